package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type NodeType string

const (
	NODE_START        NodeType = "start"
	NODE_TEXT         NodeType = "text"
	NODE_IMAGE        NodeType = "image"
	NODE_AUDIO        NodeType = "audio"
	NODE_VIDEO        NodeType = "video"
	NODE_DELAY        NodeType = "delay"
	NODE_WAIT_INPUT   NodeType = "waitInput"
	NODE_CONDITION    NodeType = "condition"
	NODE_MENU         NodeType = "menu"
	NODE_AI           NodeType = "ai"
	NODE_TRANSFER     NodeType = "transfer"
	NODE_WEBHOOK      NodeType = "webhook"
	NODE_SET_VARIABLE NodeType = "setVariable"
	NODE_TAG          NodeType = "tag"
	NODE_RANDOMIZER   NodeType = "randomizer"
	NODE_END          NodeType = "end"
)

func ValidateNodeType(t NodeType) error {
	switch t {
	case NODE_START, NODE_TEXT, NODE_IMAGE, NODE_AUDIO, NODE_VIDEO, NODE_DELAY,
		NODE_WAIT_INPUT, NODE_CONDITION, NODE_MENU, NODE_AI, NODE_TRANSFER,
		NODE_WEBHOOK, NODE_SET_VARIABLE, NODE_TAG, NODE_RANDOMIZER, NODE_END:
		return nil
	}
	return fmt.Errorf("unknown node type %s", t)
}

type TriggerType string

const (
	TRIGGER_KEYWORD  TriggerType = "keyword"
	TRIGGER_ALL      TriggerType = "all"
	TRIGGER_SCHEDULE TriggerType = "schedule"
)

type KeywordMatchType string

const (
	MATCH_EXACT    KeywordMatchType = "exact"
	MATCH_CONTAINS KeywordMatchType = "contains"
)

// ActiveHours gates whether new triggers are accepted. It is checked only at
// trigger time, never mid-session. Times are "HH:MM" in the engine's local
// zone; a zero value means always on.
type ActiveHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func (h *ActiveHours) Within(t time.Time) bool {
	if h == nil || h.Start == "" || h.End == "" {
		return true
	}
	start, err1 := time.Parse("15:04", h.Start)
	end, err2 := time.Parse("15:04", h.End)
	if err1 != nil || err2 != nil {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	startM := start.Hour()*60 + start.Minute()
	endM := end.Hour()*60 + end.Minute()
	if startM <= endM {
		return minutes >= startM && minutes < endM
	}
	// window spans midnight
	return minutes >= startM || minutes < endM
}

// FlowDefinition is the static graph a tenant authored. It is read-only to
// the runner; running sessions reference it by id.
type FlowDefinition struct {
	Id                string              `json:"id" yaml:"id"`
	Owner             string              `json:"owner" yaml:"owner"`
	Name              string              `json:"name" yaml:"name"`
	IsActive          bool                `json:"isActive" yaml:"isActive"`
	Priority          int                 `json:"priority" yaml:"priority"`
	TriggerType       TriggerType         `json:"triggerType" yaml:"triggerType"`
	TriggerKeywords   []string            `json:"triggerKeywords,omitempty" yaml:"triggerKeywords"`
	KeywordMatchType  KeywordMatchType    `json:"keywordMatchType,omitempty" yaml:"keywordMatchType"`
	PauseOtherFlows   bool                `json:"pauseOtherFlows" yaml:"pauseOtherFlows"`
	ActiveHours       *ActiveHours        `json:"activeHours,omitempty" yaml:"activeHours"`
	AssignedInstances []string            `json:"assignedInstances" yaml:"assignedInstances"`
	Nodes             map[string]FlowNode `json:"nodes" yaml:"nodes"`
	Edges             []FlowEdge          `json:"edges" yaml:"edges"`
}

type FlowEdge struct {
	Id           string `json:"id" yaml:"id"`
	SourceNodeId string `json:"sourceNodeId" yaml:"sourceNodeId"`
	TargetNodeId string `json:"targetNodeId" yaml:"targetNodeId"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle"`
}

// StartNode returns the flow's single start node.
func (f *FlowDefinition) StartNode() (*FlowNode, error) {
	for id := range f.Nodes {
		n := f.Nodes[id]
		if n.Type == NODE_START {
			return &n, nil
		}
	}
	return nil, fmt.Errorf("flow %s has no start node", f.Id)
}

// OutgoingEdges returns edges leaving nodeId ordered by edge id, so callers
// that fall back to "lowest edge" pick deterministically.
func (f *FlowDefinition) OutgoingEdges(nodeId string) []FlowEdge {
	var out []FlowEdge
	for _, e := range f.Edges {
		if e.SourceNodeId == nodeId {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// EdgeByHandle returns the outgoing edge whose sourceHandle matches, or nil.
func (f *FlowDefinition) EdgeByHandle(nodeId string, handle string) *FlowEdge {
	for _, e := range f.OutgoingEdges(nodeId) {
		if e.SourceHandle == handle {
			edge := e
			return &edge
		}
	}
	return nil
}

func (f *FlowDefinition) MatchesInstance(channelInstanceId string) bool {
	for _, id := range f.AssignedInstances {
		if id == channelInstanceId {
			return true
		}
	}
	return false
}

// MatchesKeyword reports whether text triggers this flow. Matching is
// case-insensitive; exact matching compares the trimmed message.
func (f *FlowDefinition) MatchesKeyword(text string) bool {
	if f.TriggerType == TRIGGER_ALL {
		return true
	}
	if f.TriggerType != TRIGGER_KEYWORD {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range f.TriggerKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		switch f.KeywordMatchType {
		case MATCH_CONTAINS:
			if strings.Contains(needle, kw) {
				return true
			}
		default:
			if needle == kw {
				return true
			}
		}
	}
	return false
}

// ValidateDefinition checks the graph is executable: known node types carrying
// the payload their type requires, exactly one start node, edges referencing
// existing nodes. Reachability is not enforced; unreachable branches are the
// interpreter's problem at run time.
func ValidateDefinition(f *FlowDefinition) error {
	if f.Id == "" {
		return fmt.Errorf("flow id is required")
	}
	starts := 0
	for id, n := range f.Nodes {
		if id != n.Id {
			return fmt.Errorf("node map key %s does not match node id %s", id, n.Id)
		}
		if err := ValidateNodeType(n.Type); err != nil {
			return err
		}
		if n.Type == NODE_START {
			starts++
		}
		if err := n.Data.validateFor(n.Type, n.Id); err != nil {
			return err
		}
	}
	if starts != 1 {
		return fmt.Errorf("flow %s must have exactly one start node, has %d", f.Id, starts)
	}
	edgeIds := make(map[string]struct{})
	for _, e := range f.Edges {
		if _, dup := edgeIds[e.Id]; dup {
			return fmt.Errorf("edge id %s is duplicate", e.Id)
		}
		edgeIds[e.Id] = struct{}{}
		if _, ok := f.Nodes[e.SourceNodeId]; !ok {
			return fmt.Errorf("edge %s references unknown source node %s", e.Id, e.SourceNodeId)
		}
		if _, ok := f.Nodes[e.TargetNodeId]; !ok {
			return fmt.Errorf("edge %s references unknown target node %s", e.Id, e.TargetNodeId)
		}
	}
	return nil
}

// FlowNode is one step in the graph. Data holds exactly the payload shape the
// node's type requires, decoded at load time so the interpreter never digs
// through an open map.
type FlowNode struct {
	Id   string   `json:"id" yaml:"id"`
	Type NodeType `json:"type" yaml:"type"`
	Data NodeData `json:"data" yaml:"data"`
}

type rawNode struct {
	Id   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (n *FlowNode) UnmarshalJSON(data []byte) error {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Id = raw.Id
	n.Type = raw.Type
	if len(raw.Data) == 0 {
		return nil
	}
	target := n.Data.payloadFor(raw.Type)
	if target == nil {
		return nil
	}
	return json.Unmarshal(raw.Data, target)
}

func (n FlowNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Id   string   `json:"id"`
		Type NodeType `json:"type"`
		Data any      `json:"data,omitempty"`
	}{Id: n.Id, Type: n.Type, Data: n.Data.activePayload(n.Type)})
}

func (n *FlowNode) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Id   string    `yaml:"id"`
		Type NodeType  `yaml:"type"`
		Data yaml.Node `yaml:"data"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n.Id = raw.Id
	n.Type = raw.Type
	if raw.Data.IsZero() {
		return nil
	}
	target := n.Data.payloadFor(raw.Type)
	if target == nil {
		return nil
	}
	return raw.Data.Decode(target)
}

// NodeData is a tagged union: exactly one payload pointer is set, selected by
// the owning node's Type.
type NodeData struct {
	Message     *MessagePayload     `json:"-" yaml:"-"`
	Delay       *DelayPayload       `json:"-" yaml:"-"`
	WaitInput   *WaitInputPayload   `json:"-" yaml:"-"`
	Condition   *ConditionPayload   `json:"-" yaml:"-"`
	Menu        *MenuPayload        `json:"-" yaml:"-"`
	AI          *AIPayload          `json:"-" yaml:"-"`
	Webhook     *WebhookPayload     `json:"-" yaml:"-"`
	SetVariable *SetVariablePayload `json:"-" yaml:"-"`
	Tag         *TagPayload         `json:"-" yaml:"-"`
	Randomizer  *RandomizerPayload  `json:"-" yaml:"-"`
	Transfer    *TransferPayload    `json:"-" yaml:"-"`
}

// payloadFor allocates and returns the payload slot for the given type so
// decoders unmarshal straight into it.
func (d *NodeData) payloadFor(t NodeType) any {
	switch t {
	case NODE_TEXT, NODE_IMAGE, NODE_AUDIO, NODE_VIDEO:
		d.Message = &MessagePayload{}
		return d.Message
	case NODE_DELAY:
		d.Delay = &DelayPayload{}
		return d.Delay
	case NODE_WAIT_INPUT:
		d.WaitInput = &WaitInputPayload{}
		return d.WaitInput
	case NODE_CONDITION:
		d.Condition = &ConditionPayload{}
		return d.Condition
	case NODE_MENU:
		d.Menu = &MenuPayload{}
		return d.Menu
	case NODE_AI:
		d.AI = &AIPayload{}
		return d.AI
	case NODE_WEBHOOK:
		d.Webhook = &WebhookPayload{}
		return d.Webhook
	case NODE_SET_VARIABLE:
		d.SetVariable = &SetVariablePayload{}
		return d.SetVariable
	case NODE_TAG:
		d.Tag = &TagPayload{}
		return d.Tag
	case NODE_RANDOMIZER:
		d.Randomizer = &RandomizerPayload{}
		return d.Randomizer
	case NODE_TRANSFER:
		d.Transfer = &TransferPayload{}
		return d.Transfer
	}
	return nil
}

func (d *NodeData) activePayload(t NodeType) any {
	switch t {
	case NODE_TEXT, NODE_IMAGE, NODE_AUDIO, NODE_VIDEO:
		if d.Message != nil {
			return d.Message
		}
	case NODE_DELAY:
		if d.Delay != nil {
			return d.Delay
		}
	case NODE_WAIT_INPUT:
		if d.WaitInput != nil {
			return d.WaitInput
		}
	case NODE_CONDITION:
		if d.Condition != nil {
			return d.Condition
		}
	case NODE_MENU:
		if d.Menu != nil {
			return d.Menu
		}
	case NODE_AI:
		if d.AI != nil {
			return d.AI
		}
	case NODE_WEBHOOK:
		if d.Webhook != nil {
			return d.Webhook
		}
	case NODE_SET_VARIABLE:
		if d.SetVariable != nil {
			return d.SetVariable
		}
	case NODE_TAG:
		if d.Tag != nil {
			return d.Tag
		}
	case NODE_RANDOMIZER:
		if d.Randomizer != nil {
			return d.Randomizer
		}
	case NODE_TRANSFER:
		if d.Transfer != nil {
			return d.Transfer
		}
	}
	return nil
}

func (d *NodeData) validateFor(t NodeType, nodeId string) error {
	switch t {
	case NODE_TEXT:
		if d.Message == nil || d.Message.Content == "" {
			return fmt.Errorf("node %s: text node requires content", nodeId)
		}
	case NODE_IMAGE, NODE_AUDIO, NODE_VIDEO:
		if d.Message == nil || d.Message.MediaURL == "" {
			return fmt.Errorf("node %s: media node requires mediaUrl", nodeId)
		}
	case NODE_DELAY:
		if d.Delay == nil || d.Delay.Seconds <= 0 {
			return fmt.Errorf("node %s: delay node requires positive duration", nodeId)
		}
	case NODE_CONDITION:
		if d.Condition == nil || d.Condition.Expression == "" {
			return fmt.Errorf("node %s: condition node requires an expression", nodeId)
		}
	case NODE_MENU:
		if d.Menu == nil || len(d.Menu.Options) == 0 {
			return fmt.Errorf("node %s: menu node requires options", nodeId)
		}
	case NODE_AI:
		if d.AI == nil || d.AI.Prompt == "" {
			return fmt.Errorf("node %s: ai node requires a prompt", nodeId)
		}
	case NODE_WEBHOOK:
		if d.Webhook == nil || d.Webhook.URL == "" {
			return fmt.Errorf("node %s: webhook node requires a url", nodeId)
		}
	case NODE_SET_VARIABLE:
		if d.SetVariable == nil || d.SetVariable.Name == "" {
			return fmt.Errorf("node %s: setVariable node requires a variable name", nodeId)
		}
	case NODE_TAG:
		if d.Tag == nil || d.Tag.TagId == "" {
			return fmt.Errorf("node %s: tag node requires a tag id", nodeId)
		}
	case NODE_RANDOMIZER:
		if d.Randomizer == nil || len(d.Randomizer.Options) == 0 {
			return fmt.Errorf("node %s: randomizer node requires options", nodeId)
		}
	}
	return nil
}

type MessagePayload struct {
	Content  string `json:"content,omitempty" yaml:"content"`
	MediaURL string `json:"mediaUrl,omitempty" yaml:"mediaUrl"`
	Caption  string `json:"caption,omitempty" yaml:"caption"`
}

type DelayPayload struct {
	Seconds int `json:"seconds" yaml:"seconds"`
}

func (p *DelayPayload) Duration() time.Duration {
	return time.Duration(p.Seconds) * time.Second
}

// WaitInputPayload parks the session until the contact replies. When Patterns
// is set the reply must match one of them (case-insensitive) to advance;
// otherwise any reply is accepted. Variable names where the reply is stored.
type WaitInputPayload struct {
	Variable       string   `json:"variable,omitempty" yaml:"variable"`
	Patterns       []string `json:"patterns,omitempty" yaml:"patterns"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`
}

type ConditionPayload struct {
	Expression string `json:"expression" yaml:"expression"`
}

type MenuOption struct {
	Handle   string   `json:"handle" yaml:"handle"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
}

type MenuPayload struct {
	Prompt         string       `json:"prompt" yaml:"prompt"`
	Options        []MenuOption `json:"options" yaml:"options"`
	InvalidMessage string       `json:"invalidMessage,omitempty" yaml:"invalidMessage"`
	TimeoutSeconds int          `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`
}

type AIPayload struct {
	Prompt         string `json:"prompt" yaml:"prompt"`
	OutputVariable string `json:"outputVariable,omitempty" yaml:"outputVariable"`
}

type WebhookPayload struct {
	URL    string `json:"url" yaml:"url"`
	Method string `json:"method,omitempty" yaml:"method"`
}

// SetVariablePayload writes a session variable. When Expression is set it is
// evaluated against the variable map; otherwise Value is stored as-is.
type SetVariablePayload struct {
	Name       string `json:"name" yaml:"name"`
	Value      any    `json:"value,omitempty" yaml:"value"`
	Expression string `json:"expression,omitempty" yaml:"expression"`
}

type TagPayload struct {
	TagId string `json:"tagId" yaml:"tagId"`
}

type RandomOption struct {
	Handle string  `json:"handle" yaml:"handle"`
	Weight float64 `json:"weight" yaml:"weight"`
}

type RandomizerPayload struct {
	Options []RandomOption `json:"options" yaml:"options"`
}

type TransferPayload struct {
	Department string `json:"department,omitempty" yaml:"department"`
	Note       string `json:"note,omitempty" yaml:"note"`
}
