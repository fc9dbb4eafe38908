package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/lock"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/inboxflow/inboxflow/persistence/inmem"
	"github.com/inboxflow/inboxflow/scheduler"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	dispatched []model.Action
	results    map[model.ActionKind]model.ActionResult
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *model.FlowSession, action model.Action) model.ActionResult {
	f.dispatched = append(f.dispatched, action)
	if r, ok := f.results[action.Kind]; ok {
		r.NodeId = action.NodeId
		r.Kind = action.Kind
		return r
	}
	return model.ActionResult{NodeId: action.NodeId, Kind: action.Kind, Ok: true}
}

type engineFixture struct {
	storage    *inmem.Storage
	dispatcher *fakeDispatcher
	sched      *scheduler.Scheduler
	engine     *Engine
}

func newEngineFixture(t *testing.T, def *model.FlowDefinition) *engineFixture {
	t.Helper()
	storage := inmem.NewStorage()
	require.NoError(t, storage.Definitions().SaveDefinition(context.Background(), def))
	meta := metadata.NewService(storage.Definitions(), storage.Sessions())
	locks := lock.NewManager(storage.Sessions(), time.Minute)
	sched := scheduler.NewScheduler(storage.DelayJobs(), storage.Sessions())
	dispatcher := &fakeDispatcher{results: map[model.ActionKind]model.ActionResult{}}
	eng := New(storage.Sessions(), meta, locks, sched, dispatcher, NewSeededInterpreter(50, 1), 3)
	return &engineFixture{storage: storage, dispatcher: dispatcher, sched: sched, engine: eng}
}

func (f *engineFixture) createSession(t *testing.T) *model.FlowSession {
	t.Helper()
	session := newTestSession()
	require.NoError(t, f.storage.Sessions().SaveSession(context.Background(), session))
	return session
}

func TestEngine(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"trigger runs flow to completion":     testEngineHappyPath,
		"await action resumes with result":    testEngineAwaitLoop,
		"retryable failures burn the budget":  testEngineFaultBudget,
		"permanent failure expires session":   testEnginePermanentFailure,
		"lock contention drops the trigger":   testEngineLockContention,
		"terminal session cancels delay jobs": testEngineCancelOnTerminal,
		"stop and resume":                     testEngineStopResume,
		"stop while parked on a delay":        testEngineStopDelayed,
	} {
		t.Run(scenario, fn)
	}
}

func testEngineHappyPath(t *testing.T) {
	def := flowDef(
		[]model.FlowNode{startNode("s"), textNode("t", "welcome"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "t"), edge("e2", "t", "e")},
	)
	f := newEngineFixture(t, def)
	session := f.createSession(t)

	err := f.engine.HandleTrigger(context.Background(), session.Id, model.InboundMessageTrigger("hi", "", time.Now()))
	require.NoError(t, err)
	require.Len(t, f.dispatched(), 1)
	require.Equal(t, "welcome", f.dispatched()[0].SendMessage.Content)

	stored, err := f.storage.Sessions().GetSession(context.Background(), session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, stored.Status)
	require.False(t, stored.Processing)
}

func testEngineAwaitLoop(t *testing.T) {
	ai := model.FlowNode{Id: "a", Type: model.NODE_AI,
		Data: model.NodeData{AI: &model.AIPayload{Prompt: "classify", OutputVariable: "intent"}}}
	def := flowDef(
		[]model.FlowNode{startNode("s"), ai, textNode("t", "got {{intent}}"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "a"), edge("e2", "a", "t"), edge("e3", "t", "e")},
	)
	f := newEngineFixture(t, def)
	f.dispatcher.results[model.ACTION_CALL_AI] = model.ActionResult{Ok: true, Output: "greeting"}
	session := f.createSession(t)

	err := f.engine.HandleTrigger(context.Background(), session.Id, model.InboundMessageTrigger("hi", "", time.Now()))
	require.NoError(t, err)
	require.Len(t, f.dispatched(), 2)
	require.Equal(t, "got greeting", f.dispatched()[1].SendMessage.Content)

	stored, _ := f.storage.Sessions().GetSession(context.Background(), session.Id)
	require.Equal(t, model.SESSION_COMPLETED, stored.Status)
	require.Equal(t, "greeting", stored.Variables["intent"])
}

func testEngineFaultBudget(t *testing.T) {
	def := flowDef(
		[]model.FlowNode{startNode("s"), textNode("t", "flaky"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "t"), edge("e2", "t", "e")},
	)
	f := newEngineFixture(t, def)
	f.dispatcher.results[model.ACTION_SEND_MESSAGE] = model.ActionResult{Ok: false, Retryable: true, Err: "gateway 503"}
	session := f.createSession(t)
	ctx := context.Background()
	trig := model.InboundMessageTrigger("hi", "", time.Now())

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, trig))
	stored, _ := f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, 1, stored.FaultCount)
	require.Equal(t, model.SESSION_ACTIVE, stored.Status)

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, trig))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, 2, stored.FaultCount)
	require.Equal(t, model.SESSION_ACTIVE, stored.Status)

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, trig))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, 3, stored.FaultCount)
	require.Equal(t, model.SESSION_EXPIRED, stored.Status)
	require.Contains(t, stored.FaultReason, "gateway 503")
}

func testEnginePermanentFailure(t *testing.T) {
	def := flowDef(
		[]model.FlowNode{startNode("s"), textNode("t", "rejected"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "t"), edge("e2", "t", "e")},
	)
	f := newEngineFixture(t, def)
	f.dispatcher.results[model.ACTION_SEND_MESSAGE] = model.ActionResult{Ok: false, Retryable: false, Err: "contact blocked"}
	session := f.createSession(t)

	require.NoError(t, f.engine.HandleTrigger(context.Background(), session.Id, model.InboundMessageTrigger("hi", "", time.Now())))
	stored, _ := f.storage.Sessions().GetSession(context.Background(), session.Id)
	require.Equal(t, model.SESSION_EXPIRED, stored.Status)
	require.Contains(t, stored.FaultReason, "contact blocked")
}

func testEngineLockContention(t *testing.T) {
	def := flowDef(
		[]model.FlowNode{startNode("s"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "e")},
	)
	f := newEngineFixture(t, def)
	session := f.createSession(t)
	ctx := context.Background()

	acquired, err := f.storage.Sessions().TryAcquire(ctx, session.Id, time.Now(), "other-holder")
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.InboundMessageTrigger("hi", "", time.Now())))
	require.Empty(t, f.dispatched())
	stored, _ := f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, "", stored.CurrentNodeId)
	require.True(t, stored.Processing)
}

func testEngineCancelOnTerminal(t *testing.T) {
	delay := model.FlowNode{Id: "d", Type: model.NODE_DELAY,
		Data: model.NodeData{Delay: &model.DelayPayload{Seconds: 30}}}
	def := flowDef(
		[]model.FlowNode{startNode("s"), delay, endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "d"), edge("e2", "d", "e")},
	)
	f := newEngineFixture(t, def)
	session := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.InboundMessageTrigger("hi", "", time.Now())))
	job, err := f.sched.Scheduled(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, session.Id, job.SessionId)

	parked, err := f.storage.Sessions().GetSession(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_PAUSED, parked.Status)
	require.NotNil(t, parked.DelayUntil)

	// wind the wake time back so the timer is due
	past := time.Now().Add(-time.Second)
	parked.DelayUntil = &past
	require.NoError(t, f.storage.Sessions().SaveSession(ctx, parked))

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.TimerFiredTrigger()))
	stored, _ := f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_COMPLETED, stored.Status)
	_, err = f.sched.Scheduled(ctx, session.Id)
	require.True(t, errors.Is(err, persistence.ErrNotFound))
}

func testEngineStopResume(t *testing.T) {
	wait := model.FlowNode{Id: "w", Type: model.NODE_WAIT_INPUT,
		Data: model.NodeData{WaitInput: &model.WaitInputPayload{Variable: "answer"}}}
	def := flowDef(
		[]model.FlowNode{startNode("s"), wait, textNode("t", "thanks"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "w"), edge("e2", "w", "t"), edge("e3", "t", "e")},
	)
	f := newEngineFixture(t, def)
	session := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.InboundMessageTrigger("hi", "", time.Now())))
	require.NoError(t, f.engine.StopSession(ctx, session.Id))
	stored, _ := f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_PAUSED, stored.Status)

	// paused sessions swallow messages
	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.InboundMessageTrigger("yes", "", time.Now())))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_PAUSED, stored.Status)

	require.NoError(t, f.engine.ResumeSession(ctx, session.Id))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_ACTIVE, stored.Status)
	require.True(t, stored.WaitingInput)

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.InboundMessageTrigger("yes", "", time.Now())))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_COMPLETED, stored.Status)
	require.Equal(t, "yes", stored.Variables["answer"])
}

func testEngineStopDelayed(t *testing.T) {
	delay := model.FlowNode{Id: "d", Type: model.NODE_DELAY,
		Data: model.NodeData{Delay: &model.DelayPayload{Seconds: 30}}}
	def := flowDef(
		[]model.FlowNode{startNode("s"), delay, textNode("t", "later"), endNode("e")},
		[]model.FlowEdge{edge("e1", "s", "d"), edge("e2", "d", "t"), edge("e3", "t", "e")},
	)
	f := newEngineFixture(t, def)
	session := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.InboundMessageTrigger("hi", "", time.Now())))

	// stopping turns the delay park into a hard pause and drops the job
	require.NoError(t, f.engine.StopSession(ctx, session.Id))
	stored, err := f.storage.Sessions().GetSession(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_PAUSED, stored.Status)
	require.Nil(t, stored.DelayUntil)
	_, err = f.sched.Scheduled(ctx, session.Id)
	require.True(t, errors.Is(err, persistence.ErrNotFound))

	// a late timer must not wake a stopped session
	require.NoError(t, f.engine.HandleTrigger(ctx, session.Id, model.TimerFiredTrigger()))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_PAUSED, stored.Status)
	require.Empty(t, f.dispatched())

	// resume re-arms the delay from the parked node
	require.NoError(t, f.engine.ResumeSession(ctx, session.Id))
	stored, _ = f.storage.Sessions().GetSession(ctx, session.Id)
	require.Equal(t, model.SESSION_PAUSED, stored.Status)
	require.NotNil(t, stored.DelayUntil)
	job, err := f.sched.Scheduled(ctx, session.Id)
	require.NoError(t, err)
	require.Equal(t, session.Id, job.SessionId)
}

func (f *engineFixture) dispatched() []model.Action {
	return f.dispatcher.dispatched
}
