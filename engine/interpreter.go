package engine

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"go.uber.org/zap"
)

const DefaultHopCap = 50

// StepResult is everything one Advance call produced: the mutated session
// copy, the side effects to dispatch, and the fault if the walk went wrong.
// Await is set when the last action is a suspend point whose result must be
// fed back through a dispatch-result trigger before the session moves on.
type StepResult struct {
	Session *model.FlowSession
	Actions []model.Action
	Fault   *model.Fault
	Await   bool
}

// Interpreter walks a flow graph for one session and one trigger. It touches
// no storage and performs no IO; everything it wants done comes back as
// actions, which keeps the node semantics testable without a backend.
type Interpreter struct {
	hopCap int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewInterpreter(hopCap int) *Interpreter {
	return NewSeededInterpreter(hopCap, time.Now().UnixNano())
}

func NewSeededInterpreter(hopCap int, seed int64) *Interpreter {
	if hopCap <= 0 {
		hopCap = DefaultHopCap
	}
	return &Interpreter{hopCap: hopCap, rnd: rand.New(rand.NewSource(seed))}
}

// Advance applies trigger to a copy of session and walks the graph until the
// session parks, completes, or faults. The input session is never mutated.
func (it *Interpreter) Advance(def *model.FlowDefinition, session *model.FlowSession, trigger model.Trigger, now time.Time) StepResult {
	s := session.Clone()
	res := StepResult{Session: s}
	if s.Terminal() {
		return res
	}
	// Paused without a delay park is an administrative stop: only a manual
	// resume wakes it. Paused with DelayUntil set is a session sleeping on a
	// delay job, still live for its timer.
	if s.Status == model.SESSION_PAUSED && s.DelayUntil == nil {
		if trigger.Kind != model.TRIGGER_MANUAL_RESUME {
			return res
		}
		s.Status = model.SESSION_ACTIVE
	}
	s.LastInteractionAt = now

	nodeId, proceed := it.consume(def, s, trigger, now, &res)
	if !proceed {
		return res
	}
	it.walk(def, s, nodeId, now, &res)
	return res
}

// consume resolves the trigger against the session's parked position and
// returns the node id the walk should continue from. proceed=false means the
// trigger was absorbed (or ignored) without unparking the session.
func (it *Interpreter) consume(def *model.FlowDefinition, s *model.FlowSession, trigger model.Trigger, now time.Time, res *StepResult) (string, bool) {
	if s.CurrentNodeId == "" {
		start, err := def.StartNode()
		if err != nil {
			it.fail(s, res, model.NewMalformedGraphFault("", err.Error()))
			return "", false
		}
		return start.Id, true
	}

	node, ok := def.Nodes[s.CurrentNodeId]
	if !ok {
		it.fail(s, res, model.NewMalformedGraphFault(s.CurrentNodeId, "session parked at unknown node"))
		return "", false
	}

	switch trigger.Kind {
	case model.TRIGGER_INBOUND_MESSAGE:
		if !s.WaitingInput {
			// Messages arriving while the session is mid-delay or mid-call
			// are not the engine's to answer.
			return "", false
		}
		return it.consumeInput(def, s, node, trigger, res)

	case model.TRIGGER_TIMER_FIRED:
		if s.DelayUntil != nil && node.Type == model.NODE_DELAY {
			if s.DelayUntil.After(now) {
				// The reaper nudges freed sessions with a timer; an early one
				// is not the delay firing.
				return "", false
			}
			s.DelayUntil = nil
			s.Status = model.SESSION_ACTIVE
			next, fault := defaultNext(def, &node)
			if fault != nil {
				it.fail(s, res, fault)
				return "", false
			}
			return next, true
		}
		if s.WaitingInput {
			if s.TimeoutAt == nil {
				// No patience window was ever armed; a stray timer must not
				// end the wait.
				return "", false
			}
			if s.TimeoutAt.After(now) {
				// A rescheduled patience window makes earlier timers spurious.
				return "", false
			}
			return it.consumeTimeout(def, s, node, res)
		}
		logger.Debug("timer fired for session not parked on a timer",
			zap.String("session", s.Id), zap.String("node", s.CurrentNodeId))
		return "", false

	case model.TRIGGER_DISPATCH_RESULT:
		if trigger.Result == nil {
			return "", false
		}
		return it.consumeResult(def, s, node, *trigger.Result, res)

	case model.TRIGGER_MANUAL_RESUME:
		return it.consumeResume(s, node, now, res)
	}
	return "", false
}

func (it *Interpreter) consumeInput(def *model.FlowDefinition, s *model.FlowSession, node model.FlowNode, trigger model.Trigger, res *StepResult) (string, bool) {
	switch node.Type {
	case model.NODE_WAIT_INPUT:
		p := node.Data.WaitInput
		if p == nil {
			it.fail(s, res, model.NewMalformedGraphFault(node.Id, "waitInput node without payload"))
			return "", false
		}
		if len(p.Patterns) > 0 && !matchesAnyPattern(trigger.Text, p.Patterns) {
			return "", false
		}
		if p.Variable != "" {
			s.Variables[p.Variable] = inputValue(trigger)
		}
		s.WaitingInput = false
		s.TimeoutAt = nil
		next, fault := defaultNext(def, &node)
		if fault != nil {
			it.fail(s, res, fault)
			return "", false
		}
		return next, true

	case model.NODE_MENU:
		p := node.Data.Menu
		if p == nil {
			it.fail(s, res, model.NewMalformedGraphFault(node.Id, "menu node without payload"))
			return "", false
		}
		handle, matched := matchMenuOption(p, trigger.Text)
		if !matched {
			if p.InvalidMessage != "" {
				res.Actions = append(res.Actions, sendTextAction(s, node.Id, Interpolate(p.InvalidMessage, s.Variables)))
				return "", false
			}
			if edge := def.EdgeByHandle(node.Id, "default"); edge != nil {
				s.WaitingInput = false
				s.TimeoutAt = nil
				return edge.TargetNodeId, true
			}
			return "", false
		}
		edge := def.EdgeByHandle(node.Id, handle)
		if edge == nil {
			it.fail(s, res, model.NewMalformedGraphFault(node.Id, fmt.Sprintf("menu option %s has no edge", handle)))
			return "", false
		}
		s.WaitingInput = false
		s.TimeoutAt = nil
		return edge.TargetNodeId, true
	}

	it.fail(s, res, model.NewMalformedGraphFault(node.Id, "session waiting for input at a non-input node"))
	return "", false
}

// consumeTimeout fires the patience window of a parked waitInput/menu node.
// A "timeout" handle routes the overflow; without one the conversation has
// nowhere to go and the session expires.
func (it *Interpreter) consumeTimeout(def *model.FlowDefinition, s *model.FlowSession, node model.FlowNode, res *StepResult) (string, bool) {
	s.WaitingInput = false
	s.TimeoutAt = nil
	if edge := def.EdgeByHandle(node.Id, "timeout"); edge != nil {
		return edge.TargetNodeId, true
	}
	s.Status = model.SESSION_EXPIRED
	s.FaultReason = "input timeout"
	logger.Info("session expired waiting for input",
		zap.String("session", s.Id), zap.String("node", node.Id))
	return "", false
}

func (it *Interpreter) consumeResult(def *model.FlowDefinition, s *model.FlowSession, node model.FlowNode, result model.ActionResult, res *StepResult) (string, bool) {
	switch node.Type {
	case model.NODE_AI:
		p := node.Data.AI
		if p == nil {
			it.fail(s, res, model.NewMalformedGraphFault(node.Id, "ai node without payload"))
			return "", false
		}
		if !result.Ok {
			it.actionFault(s, res, node.Id, result)
			return "", false
		}
		name := p.OutputVariable
		if name == "" {
			name = "ai_response"
		}
		s.Variables[name] = result.Output
		next, fault := defaultNext(def, &node)
		if fault != nil {
			it.fail(s, res, fault)
			return "", false
		}
		return next, true

	case model.NODE_WEBHOOK:
		if !result.Ok {
			if edge := def.EdgeByHandle(node.Id, "error"); edge != nil {
				return edge.TargetNodeId, true
			}
			it.actionFault(s, res, node.Id, result)
			return "", false
		}
		for k, v := range result.Variables {
			s.Variables[k] = v
		}
		if edge := def.EdgeByHandle(node.Id, "success"); edge != nil {
			return edge.TargetNodeId, true
		}
		next, fault := defaultNext(def, &node)
		if fault != nil {
			it.fail(s, res, fault)
			return "", false
		}
		return next, true
	}
	logger.Debug("dispatch result for session not awaiting one",
		zap.String("session", s.Id), zap.String("node", node.Id))
	return "", false
}

// consumeResume re-arms whatever the session was parked on before it was
// paused: delay jobs and patience windows were cancelled at pause time, so
// they are recreated from the node payload.
func (it *Interpreter) consumeResume(s *model.FlowSession, node model.FlowNode, now time.Time, res *StepResult) (string, bool) {
	switch node.Type {
	case model.NODE_DELAY:
		if p := node.Data.Delay; p != nil {
			runAt := now.Add(p.Duration())
			s.Status = model.SESSION_PAUSED
			s.DelayUntil = &runAt
			res.Actions = append(res.Actions, model.Action{
				Kind:          model.ACTION_SCHEDULE_DELAY,
				NodeId:        node.Id,
				ScheduleDelay: &model.ScheduleDelayAction{RunAt: runAt},
			})
		}
		return "", false
	case model.NODE_WAIT_INPUT:
		s.WaitingInput = true
		if p := node.Data.WaitInput; p != nil && p.TimeoutSeconds > 0 {
			t := now.Add(time.Duration(p.TimeoutSeconds) * time.Second)
			s.TimeoutAt = &t
		}
		return "", false
	case model.NODE_MENU:
		s.WaitingInput = true
		if p := node.Data.Menu; p != nil && p.TimeoutSeconds > 0 {
			t := now.Add(time.Duration(p.TimeoutSeconds) * time.Second)
			s.TimeoutAt = &t
		}
		return "", false
	}
	return "", false
}

// walk auto-advances from nodeId until the session parks, completes, or
// faults. The hop cap turns authored cycles into a terminal fault instead of
// a runaway message storm.
func (it *Interpreter) walk(def *model.FlowDefinition, s *model.FlowSession, nodeId string, now time.Time, res *StepResult) {
	for hops := 0; ; hops++ {
		if hops >= it.hopCap {
			it.fail(s, res, model.NewCycleFault(nodeId, hops))
			return
		}
		node, ok := def.Nodes[nodeId]
		if !ok {
			it.fail(s, res, model.NewMalformedGraphFault(nodeId, "edge targets unknown node"))
			return
		}
		s.CurrentNodeId = nodeId

		switch node.Type {
		case model.NODE_START:
			next, fault := defaultNext(def, &node)
			if fault != nil {
				it.fail(s, res, fault)
				return
			}
			nodeId = next

		case model.NODE_TEXT, model.NODE_IMAGE, model.NODE_AUDIO, model.NODE_VIDEO:
			p := node.Data.Message
			action := sendTextAction(s, node.Id, "")
			if p != nil {
				action.SendMessage.Content = Interpolate(firstNonEmpty(p.Content, p.Caption), s.Variables)
				action.SendMessage.MediaURL = Interpolate(p.MediaURL, s.Variables)
			}
			res.Actions = append(res.Actions, action)
			next, fault := defaultNext(def, &node)
			if fault != nil {
				it.fail(s, res, fault)
				return
			}
			nodeId = next

		case model.NODE_DELAY:
			p := node.Data.Delay
			if p == nil || p.Seconds <= 0 {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "delay node without duration"))
				return
			}
			runAt := now.Add(p.Duration())
			s.Status = model.SESSION_PAUSED
			s.DelayUntil = &runAt
			res.Actions = append(res.Actions, model.Action{
				Kind:          model.ACTION_SCHEDULE_DELAY,
				NodeId:        node.Id,
				ScheduleDelay: &model.ScheduleDelayAction{RunAt: runAt},
			})
			return

		case model.NODE_WAIT_INPUT:
			s.WaitingInput = true
			if p := node.Data.WaitInput; p != nil && p.TimeoutSeconds > 0 {
				t := now.Add(time.Duration(p.TimeoutSeconds) * time.Second)
				s.TimeoutAt = &t
			}
			return

		case model.NODE_MENU:
			p := node.Data.Menu
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "menu node without payload"))
				return
			}
			if p.Prompt != "" {
				res.Actions = append(res.Actions, sendTextAction(s, node.Id, Interpolate(p.Prompt, s.Variables)))
			}
			s.WaitingInput = true
			if p.TimeoutSeconds > 0 {
				t := now.Add(time.Duration(p.TimeoutSeconds) * time.Second)
				s.TimeoutAt = &t
			}
			return

		case model.NODE_CONDITION:
			p := node.Data.Condition
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "condition node without expression"))
				return
			}
			value, err := EvalCondition(p.Expression, s.Variables)
			if err != nil {
				it.fail(s, res, model.NewEvaluationFault(node.Id, err))
				return
			}
			handle := "false"
			if value {
				handle = "true"
			}
			edge := def.EdgeByHandle(node.Id, handle)
			if edge == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, fmt.Sprintf("condition has no %s edge", handle)))
				return
			}
			nodeId = edge.TargetNodeId

		case model.NODE_SET_VARIABLE:
			p := node.Data.SetVariable
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "setVariable node without payload"))
				return
			}
			if p.Expression != "" {
				value, err := EvalValue(p.Expression, s.Variables)
				if err != nil {
					it.fail(s, res, model.NewEvaluationFault(node.Id, err))
					return
				}
				s.Variables[p.Name] = value
			} else if str, ok := p.Value.(string); ok {
				s.Variables[p.Name] = Interpolate(str, s.Variables)
			} else {
				s.Variables[p.Name] = p.Value
			}
			next, fault := defaultNext(def, &node)
			if fault != nil {
				it.fail(s, res, fault)
				return
			}
			nodeId = next

		case model.NODE_TAG:
			p := node.Data.Tag
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "tag node without payload"))
				return
			}
			res.Actions = append(res.Actions, model.Action{
				Kind:     model.ACTION_APPLY_TAG,
				NodeId:   node.Id,
				ApplyTag: &model.ApplyTagAction{ContactId: s.ContactId, TagId: p.TagId},
			})
			next, fault := defaultNext(def, &node)
			if fault != nil {
				it.fail(s, res, fault)
				return
			}
			nodeId = next

		case model.NODE_RANDOMIZER:
			p := node.Data.Randomizer
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "randomizer node without payload"))
				return
			}
			handle, err := it.pickWeighted(p.Options)
			if err != nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, err.Error()))
				return
			}
			edge := def.EdgeByHandle(node.Id, handle)
			if edge == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, fmt.Sprintf("randomizer option %s has no edge", handle)))
				return
			}
			nodeId = edge.TargetNodeId

		case model.NODE_AI:
			p := node.Data.AI
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "ai node without payload"))
				return
			}
			res.Actions = append(res.Actions, model.Action{
				Kind:        model.ACTION_CALL_AI,
				NodeId:      node.Id,
				AwaitResult: true,
				CallAI: &model.CallAIAction{
					Prompt:         Interpolate(p.Prompt, s.Variables),
					OutputVariable: p.OutputVariable,
				},
			})
			res.Await = true
			return

		case model.NODE_WEBHOOK:
			p := node.Data.Webhook
			if p == nil {
				it.fail(s, res, model.NewMalformedGraphFault(node.Id, "webhook node without payload"))
				return
			}
			method := p.Method
			if method == "" {
				method = "POST"
			}
			res.Actions = append(res.Actions, model.Action{
				Kind:        model.ACTION_CALL_WEBHOOK,
				NodeId:      node.Id,
				AwaitResult: true,
				CallWebhook: &model.CallWebhookAction{
					URL:     Interpolate(p.URL, s.Variables),
					Method:  strings.ToUpper(method),
					Payload: webhookPayload(s),
				},
			})
			res.Await = true
			return

		case model.NODE_TRANSFER:
			p := node.Data.Transfer
			action := model.Action{
				Kind:   model.ACTION_TRANSFER,
				NodeId: node.Id,
				Transfer: &model.TransferAction{
					ContactId:         s.ContactId,
					ChannelInstanceId: s.ChannelInstanceId,
				},
			}
			if p != nil {
				action.Transfer.Department = p.Department
				action.Transfer.Note = Interpolate(p.Note, s.Variables)
			}
			res.Actions = append(res.Actions, action)
			edges := def.OutgoingEdges(node.Id)
			if len(edges) == 0 {
				// Handing off to a human ends the automated conversation
				// unless the author routed a follow-up.
				s.Status = model.SESSION_COMPLETED
				return
			}
			nodeId = edges[0].TargetNodeId

		case model.NODE_END:
			s.Status = model.SESSION_COMPLETED
			s.WaitingInput = false
			s.TimeoutAt = nil
			s.DelayUntil = nil
			return

		default:
			it.fail(s, res, model.NewMalformedGraphFault(node.Id, fmt.Sprintf("unhandled node type %s", node.Type)))
			return
		}
	}
}

// fail records the fault on the result. Non-retryable faults are terminal:
// the session expires in place. Retryable ones leave the stored session
// untouched for another attempt; the caller discards this mutated copy.
func (it *Interpreter) fail(s *model.FlowSession, res *StepResult, fault *model.Fault) {
	res.Fault = fault
	if !fault.Retryable {
		s.Status = model.SESSION_EXPIRED
		s.FaultReason = fault.Error()
		logger.Warn("session faulted",
			zap.String("session", s.Id),
			zap.String("kind", string(fault.Kind)),
			zap.String("node", fault.NodeId),
			zap.String("reason", fault.Reason))
	}
}

func (it *Interpreter) actionFault(s *model.FlowSession, res *StepResult, nodeId string, result model.ActionResult) {
	if result.Retryable {
		it.fail(s, res, model.NewTransientActionFault(nodeId, result.Err))
		return
	}
	it.fail(s, res, model.NewPermanentActionFault(nodeId, result.Err))
}

func (it *Interpreter) pickWeighted(options []model.RandomOption) (string, error) {
	total := 0.0
	for _, o := range options {
		if o.Weight > 0 {
			total += o.Weight
		}
	}
	if total <= 0 {
		return "", fmt.Errorf("randomizer has no positive weights")
	}
	it.mu.Lock()
	roll := it.rnd.Float64() * total
	it.mu.Unlock()
	for _, o := range options {
		if o.Weight <= 0 {
			continue
		}
		roll -= o.Weight
		if roll < 0 {
			return o.Handle, nil
		}
	}
	return options[len(options)-1].Handle, nil
}

// defaultNext picks the continuation edge for a node with a single natural
// successor: prefer a "default"/unlabelled handle, otherwise the lowest edge
// id wins and the ambiguity is logged.
func defaultNext(def *model.FlowDefinition, node *model.FlowNode) (string, *model.Fault) {
	edges := def.OutgoingEdges(node.Id)
	if len(edges) == 0 {
		return "", model.NewMalformedGraphFault(node.Id, "node has no outgoing edge")
	}
	for _, e := range edges {
		if e.SourceHandle == "" || e.SourceHandle == "default" {
			return e.TargetNodeId, nil
		}
	}
	if len(edges) > 1 {
		logger.Warn("ambiguous outgoing edges, taking lowest id",
			zap.String("node", node.Id), zap.String("edge", edges[0].Id))
	}
	return edges[0].TargetNodeId, nil
}

func sendTextAction(s *model.FlowSession, nodeId string, content string) model.Action {
	return model.Action{
		Kind:   model.ACTION_SEND_MESSAGE,
		NodeId: nodeId,
		SendMessage: &model.SendMessageAction{
			ChannelInstanceId: s.ChannelInstanceId,
			ContactId:         s.ContactId,
			Content:           content,
		},
	}
}

func webhookPayload(s *model.FlowSession) map[string]any {
	vars := make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		vars[k] = v
	}
	return map[string]any{
		"sessionId":         s.Id,
		"flowId":            s.FlowId,
		"contactId":         s.ContactId,
		"channelInstanceId": s.ChannelInstanceId,
		"variables":         vars,
	}
}

func inputValue(trigger model.Trigger) any {
	if trigger.Text != "" {
		return trigger.Text
	}
	return trigger.MediaURL
}

func matchesAnyPattern(text string, patterns []string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			if strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(p)) {
				return true
			}
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// matchMenuOption resolves a reply to an option handle. Replies match an
// option's keywords case-insensitively, or the option's 1-based position so
// "2" always picks the second entry.
func matchMenuOption(p *model.MenuPayload, text string) (string, bool) {
	reply := strings.ToLower(strings.TrimSpace(text))
	if reply == "" {
		return "", false
	}
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(p.Options) {
		return p.Options[n-1].Handle, true
	}
	for _, opt := range p.Options {
		for _, kw := range opt.Keywords {
			if strings.ToLower(strings.TrimSpace(kw)) == reply {
				return opt.Handle, true
			}
		}
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
