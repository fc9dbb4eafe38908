package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/engine"
	"github.com/inboxflow/inboxflow/lock"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence/inmem"
	"github.com/inboxflow/inboxflow/scheduler"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	sent []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *model.FlowSession, action model.Action) model.ActionResult {
	if action.Kind == model.ACTION_SEND_MESSAGE {
		d.sent = append(d.sent, action.SendMessage.Content)
	}
	return model.ActionResult{NodeId: action.NodeId, Kind: action.Kind, Ok: true}
}

type fixture struct {
	storage    *inmem.Storage
	meta       *metadata.Service
	dispatcher *recordingDispatcher
	service    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := inmem.NewStorage()
	meta := metadata.NewService(storage.Definitions(), storage.Sessions())
	locks := lock.NewManager(storage.Sessions(), time.Minute)
	sched := scheduler.NewScheduler(storage.DelayJobs(), storage.Sessions())
	dispatcher := &recordingDispatcher{}
	eng := engine.New(storage.Sessions(), meta, locks, sched, dispatcher, engine.NewSeededInterpreter(50, 1), 3)
	return &fixture{
		storage:    storage,
		meta:       meta,
		dispatcher: dispatcher,
		service:    NewService(meta, storage.Sessions(), eng),
	}
}

func keywordFlow(id string, name string, priority int, keywords ...string) *model.FlowDefinition {
	return &model.FlowDefinition{
		Id:               id,
		Name:             name,
		IsActive:         true,
		Priority:         priority,
		TriggerType:      model.TRIGGER_KEYWORD,
		TriggerKeywords:  keywords,
		KeywordMatchType: model.MATCH_EXACT,
		AssignedInstances: []string{
			"instance-1",
		},
		Nodes: map[string]model.FlowNode{
			"s": {Id: "s", Type: model.NODE_START},
			"t": {Id: "t", Type: model.NODE_TEXT,
				Data: model.NodeData{Message: &model.MessagePayload{Content: "reply from " + name}}},
			"e": {Id: "e", Type: model.NODE_END},
		},
		Edges: []model.FlowEdge{
			{Id: "e1", SourceNodeId: "s", TargetNodeId: "t"},
			{Id: "e2", SourceNodeId: "t", TargetNodeId: "e"},
		},
	}
}

func event(text string) model.InboundEvent {
	return model.InboundEvent{
		ContactId:         "contact-1",
		ChannelInstanceId: "instance-1",
		Text:              text,
		Timestamp:         time.Now(),
	}
}

func TestTriggerService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"keyword match starts a session":        testKeywordStart,
		"contains match":                        testContainsMatch,
		"no match starts nothing":               testNoMatch,
		"highest priority flow wins":            testPriorityWins,
		"inactive flow never triggers":          testInactiveSkipped,
		"other instance never triggers":         testInstanceFilter,
		"schedule flows ignore messages":        testScheduleIgnored,
		"live session wins over new flow":       testResumeBeforeStart,
		"delayed session holds the contact":     testDelayedSessionHolds,
		"pause other flows on start":            testPauseOtherFlows,
		"active hours gate new sessions":        testActiveHoursGate,
		"start flow endpoint bypasses keywords": testStartFlowDirect,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t))
		})
	}
}

func testKeywordStart(t *testing.T, f *fixture) {
	ctx := context.Background()
	require.NoError(t, f.meta.Save(ctx, keywordFlow("f1", "welcome", 0, "hello")))

	require.NoError(t, f.service.HandleInbound(ctx, event("  HELLO ")))
	require.Equal(t, []string{"reply from welcome"}, f.dispatcher.sent)
}

func testContainsMatch(t *testing.T, f *fixture) {
	ctx := context.Background()
	def := keywordFlow("f1", "pricing", 0, "price")
	def.KeywordMatchType = model.MATCH_CONTAINS
	require.NoError(t, f.meta.Save(ctx, def))

	require.NoError(t, f.service.HandleInbound(ctx, event("what is the price of the pro plan?")))
	require.Equal(t, []string{"reply from pricing"}, f.dispatcher.sent)
}

func testNoMatch(t *testing.T, f *fixture) {
	ctx := context.Background()
	require.NoError(t, f.meta.Save(ctx, keywordFlow("f1", "welcome", 0, "hello")))

	require.NoError(t, f.service.HandleInbound(ctx, event("goodbye")))
	require.Empty(t, f.dispatcher.sent)
	n, err := f.storage.Sessions().CountActiveByFlow(ctx, "f1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testPriorityWins(t *testing.T, f *fixture) {
	ctx := context.Background()
	require.NoError(t, f.meta.Save(ctx, keywordFlow("f1", "generic", 1, "help")))
	require.NoError(t, f.meta.Save(ctx, keywordFlow("f2", "vip", 10, "help")))

	require.NoError(t, f.service.HandleInbound(ctx, event("help")))
	require.Equal(t, []string{"reply from vip"}, f.dispatcher.sent)
}

func testInactiveSkipped(t *testing.T, f *fixture) {
	ctx := context.Background()
	def := keywordFlow("f1", "welcome", 0, "hello")
	def.IsActive = false
	require.NoError(t, f.meta.Save(ctx, def))

	require.NoError(t, f.service.HandleInbound(ctx, event("hello")))
	require.Empty(t, f.dispatcher.sent)
}

func testInstanceFilter(t *testing.T, f *fixture) {
	ctx := context.Background()
	def := keywordFlow("f1", "welcome", 0, "hello")
	def.AssignedInstances = []string{"instance-other"}
	require.NoError(t, f.meta.Save(ctx, def))

	require.NoError(t, f.service.HandleInbound(ctx, event("hello")))
	require.Empty(t, f.dispatcher.sent)
}

func testScheduleIgnored(t *testing.T, f *fixture) {
	ctx := context.Background()
	def := keywordFlow("f1", "campaign", 0)
	def.TriggerType = model.TRIGGER_SCHEDULE
	require.NoError(t, f.meta.Save(ctx, def))

	require.NoError(t, f.service.HandleInbound(ctx, event("anything")))
	require.Empty(t, f.dispatcher.sent)
}

func testResumeBeforeStart(t *testing.T, f *fixture) {
	ctx := context.Background()
	// waiting flow parks on input, second flow would match the reply text
	waiting := keywordFlow("f1", "survey", 0, "survey")
	waiting.Nodes["w"] = model.FlowNode{Id: "w", Type: model.NODE_WAIT_INPUT,
		Data: model.NodeData{WaitInput: &model.WaitInputPayload{Variable: "answer"}}}
	waiting.Edges = []model.FlowEdge{
		{Id: "e1", SourceNodeId: "s", TargetNodeId: "w"},
		{Id: "e2", SourceNodeId: "w", TargetNodeId: "t"},
		{Id: "e3", SourceNodeId: "t", TargetNodeId: "e"},
	}
	require.NoError(t, f.meta.Save(ctx, waiting))
	require.NoError(t, f.meta.Save(ctx, keywordFlow("f2", "greeter", 10, "hello")))

	require.NoError(t, f.service.HandleInbound(ctx, event("survey")))
	require.Empty(t, f.dispatcher.sent)

	// "hello" matches f2, but the parked f1 session consumes it
	require.NoError(t, f.service.HandleInbound(ctx, event("hello")))
	require.Equal(t, []string{"reply from survey"}, f.dispatcher.sent)
	n, err := f.storage.Sessions().CountActiveByFlow(ctx, "f2")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testDelayedSessionHolds(t *testing.T, f *fixture) {
	ctx := context.Background()
	drip := keywordFlow("f1", "drip", 0, "start")
	drip.Nodes["d"] = model.FlowNode{Id: "d", Type: model.NODE_DELAY,
		Data: model.NodeData{Delay: &model.DelayPayload{Seconds: 3600}}}
	drip.Edges = []model.FlowEdge{
		{Id: "e1", SourceNodeId: "s", TargetNodeId: "d"},
		{Id: "e2", SourceNodeId: "d", TargetNodeId: "t"},
		{Id: "e3", SourceNodeId: "t", TargetNodeId: "e"},
	}
	require.NoError(t, f.meta.Save(ctx, drip))
	require.NoError(t, f.meta.Save(ctx, keywordFlow("f2", "greeter", 10, "hello")))

	require.NoError(t, f.service.HandleInbound(ctx, event("start")))
	live, err := f.storage.Sessions().FindActiveByContact(ctx, "contact-1", "instance-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, model.SESSION_PAUSED, live[0].Status)
	require.NotNil(t, live[0].DelayUntil)

	// the sleeping conversation still owns the contact: "hello" is routed to
	// it (and swallowed) instead of starting the greeter flow
	require.NoError(t, f.service.HandleInbound(ctx, event("hello")))
	require.Empty(t, f.dispatcher.sent)
	n, err := f.storage.Sessions().CountActiveByFlow(ctx, "f2")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testPauseOtherFlows(t *testing.T, f *fixture) {
	ctx := context.Background()
	waiting := keywordFlow("f1", "survey", 0, "survey")
	waiting.Nodes["w"] = model.FlowNode{Id: "w", Type: model.NODE_WAIT_INPUT,
		Data: model.NodeData{WaitInput: &model.WaitInputPayload{Variable: "answer"}}}
	waiting.Edges = []model.FlowEdge{
		{Id: "e1", SourceNodeId: "s", TargetNodeId: "w"},
		{Id: "e2", SourceNodeId: "w", TargetNodeId: "t"},
		{Id: "e3", SourceNodeId: "t", TargetNodeId: "e"},
	}
	require.NoError(t, f.meta.Save(ctx, waiting))

	urgent := keywordFlow("f2", "urgent", 10, "urgent")
	urgent.PauseOtherFlows = true
	require.NoError(t, f.meta.Save(ctx, urgent))

	require.NoError(t, f.service.HandleInbound(ctx, event("survey")))
	live, err := f.storage.Sessions().FindActiveByContact(ctx, "contact-1", "instance-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	surveySession := live[0].Id

	// direct start of an urgent flow pauses the parked survey session
	_, err = f.service.StartFlow(ctx, "f2", "contact-1", "instance-1")
	require.NoError(t, err)
	require.Equal(t, []string{"reply from urgent"}, f.dispatcher.sent)

	stored, err := f.storage.Sessions().GetSession(ctx, surveySession)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_PAUSED, stored.Status)
}

func testActiveHoursGate(t *testing.T, f *fixture) {
	ctx := context.Background()
	def := keywordFlow("f1", "daytime", 0, "hello")
	now := time.Now()
	// a one-minute window that excludes the current time
	start := now.Add(2 * time.Hour)
	def.ActiveHours = &model.ActiveHours{
		Start: start.Format("15:04"),
		End:   start.Add(time.Minute).Format("15:04"),
	}
	require.NoError(t, f.meta.Save(ctx, def))

	require.NoError(t, f.service.HandleInbound(ctx, event("hello")))
	require.Empty(t, f.dispatcher.sent)
}

func testStartFlowDirect(t *testing.T, f *fixture) {
	ctx := context.Background()
	def := keywordFlow("f1", "campaign", 0)
	def.TriggerType = model.TRIGGER_SCHEDULE
	require.NoError(t, f.meta.Save(ctx, def))

	session, err := f.service.StartFlow(ctx, "f1", "contact-9", "instance-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, []string{"reply from campaign"}, f.dispatcher.sent)

	stored, err := f.storage.Sessions().GetSession(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, stored.Status)
}
