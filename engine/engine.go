package engine

import (
	"context"
	"time"

	"github.com/inboxflow/inboxflow/lock"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/inboxflow/inboxflow/scheduler"
	"go.uber.org/zap"
)

const DefaultFaultBudget = 3

// Dispatcher carries out the interpreter's actions against the outside world.
// Implementations must classify failures: Retryable on the result decides
// whether the engine retries the node or expires the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, session *model.FlowSession, action model.Action) model.ActionResult
}

// Engine drives one session per call: acquire the processing lock, load state,
// let the interpreter advance it, dispatch the emitted actions, persist, and
// release. All concurrency control lives in the lock; the interpreter itself
// stays pure.
type Engine struct {
	sessions    persistence.SessionStorage
	meta        *metadata.Service
	locks       *lock.Manager
	sched       *scheduler.Scheduler
	dispatcher  Dispatcher
	interp      *Interpreter
	faultBudget int
}

func New(sessions persistence.SessionStorage, meta *metadata.Service, locks *lock.Manager,
	sched *scheduler.Scheduler, dispatcher Dispatcher, interp *Interpreter, faultBudget int) *Engine {
	if faultBudget <= 0 {
		faultBudget = DefaultFaultBudget
	}
	return &Engine{
		sessions:    sessions,
		meta:        meta,
		locks:       locks,
		sched:       sched,
		dispatcher:  dispatcher,
		interp:      interp,
		faultBudget: faultBudget,
	}
}

// HandleTrigger applies one trigger to one session. Lock contention is not an
// error: the concurrent holder owns this evaluation and the trigger's source
// (poller or provider redelivery) will come around again.
func (e *Engine) HandleTrigger(ctx context.Context, sessionId string, trigger model.Trigger) error {
	token, acquired, err := e.locks.TryAcquire(ctx, sessionId)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer e.locks.Release(ctx, sessionId, token)

	stored, err := e.sessions.GetSession(ctx, sessionId)
	if err != nil {
		return err
	}
	if stored.Terminal() {
		return nil
	}
	def, err := e.meta.Get(ctx, stored.FlowId)
	if err != nil {
		logger.Error("definition missing for live session",
			zap.String("session", sessionId), zap.String("flow", stored.FlowId), zap.Error(err))
		return err
	}

	session := stored
	for {
		res := e.interp.Advance(def, session, trigger, time.Now())
		if res.Fault != nil {
			// Actions emitted before the fault are discarded with it; a retry
			// re-runs the step from the stored state.
			return e.settleFault(ctx, stored, res, token)
		}

		awaited, fault := e.dispatchActions(ctx, res)
		if fault != nil {
			res.Fault = fault
			return e.settleFault(ctx, stored, res, token)
		}
		if !res.Await {
			// a clean step pays back the fault budget
			res.Session.FaultCount = 0
			return e.persist(ctx, res.Session, token)
		}
		session = res.Session
		trigger = model.DispatchResultTrigger(*awaited)
	}
}

// dispatchActions runs a step's actions in emission order. Delay scheduling
// goes to the scheduler; everything else goes through the dispatcher. The
// awaited result, when the step suspends on one, is always the last action's.
func (e *Engine) dispatchActions(ctx context.Context, res StepResult) (*model.ActionResult, *model.Fault) {
	for _, action := range res.Actions {
		if action.Kind == model.ACTION_SCHEDULE_DELAY {
			if _, err := e.sched.Schedule(ctx, res.Session.Id, action.ScheduleDelay.RunAt); err != nil {
				return nil, model.NewTransientActionFault(action.NodeId, err.Error())
			}
			continue
		}
		result := e.dispatcher.Dispatch(ctx, res.Session, action)
		if action.AwaitResult {
			return &result, nil
		}
		if !result.Ok {
			if result.Retryable {
				return nil, model.NewTransientActionFault(action.NodeId, result.Err)
			}
			return nil, model.NewPermanentActionFault(action.NodeId, result.Err)
		}
	}
	return nil, nil
}

// settleFault persists the outcome of a faulted step. Retryable faults burn
// one unit of the session's budget and leave it at its last good node;
// exhausting the budget, or any non-retryable fault, expires the session.
func (e *Engine) settleFault(ctx context.Context, stored *model.FlowSession, res StepResult, token string) error {
	fault := res.Fault
	if fault.Retryable {
		stored.FaultCount++
		if stored.FaultCount < e.faultBudget {
			logger.Warn("session step failed, will retry",
				zap.String("session", stored.Id),
				zap.String("kind", string(fault.Kind)),
				zap.Int("faultCount", stored.FaultCount),
				zap.String("reason", fault.Reason))
			return e.persist(ctx, stored, token)
		}
		stored.Status = model.SESSION_EXPIRED
		stored.FaultReason = fault.Error()
		logger.Error("session fault budget exhausted",
			zap.String("session", stored.Id), zap.String("reason", fault.Reason))
		return e.persist(ctx, stored, token)
	}
	// The interpreter marked the mutated copy expired at the faulting node.
	return e.persist(ctx, res.Session, token)
}

func (e *Engine) persist(ctx context.Context, s *model.FlowSession, token string) error {
	if s.Terminal() {
		if err := e.sched.Cancel(ctx, s.Id); err != nil {
			logger.Error("cancel delay job for terminal session",
				zap.String("session", s.Id), zap.Error(err))
		}
	}
	saved, err := e.sessions.SaveSessionOwned(ctx, s, token)
	if err != nil {
		return err
	}
	if !saved {
		// The reaper freed this lock mid-step; the write is abandoned so the
		// new holder's view wins.
		logger.Warn("lost session ownership, discarding step result",
			zap.String("session", s.Id))
	}
	return nil
}

// StopSession pauses a live session. Its delay job and patience window are
// cancelled; ResumeSession re-arms them from the parked node.
func (e *Engine) StopSession(ctx context.Context, sessionId string) error {
	token, acquired, err := e.locks.TryAcquire(ctx, sessionId)
	if err != nil {
		return err
	}
	if !acquired {
		return persistence.StorageLayerError{Message: "session is busy, retry"}
	}
	defer e.locks.Release(ctx, sessionId, token)

	s, err := e.sessions.GetSession(ctx, sessionId)
	if err != nil {
		return err
	}
	if s.Terminal() || (s.Status == model.SESSION_PAUSED && s.DelayUntil == nil) {
		return nil
	}
	s.Status = model.SESSION_PAUSED
	s.TimeoutAt = nil
	s.DelayUntil = nil
	if err := e.sched.Cancel(ctx, sessionId); err != nil {
		return err
	}
	logger.Info("session paused", zap.String("session", sessionId), zap.String("node", s.CurrentNodeId))
	return e.persist(ctx, s, token)
}

func (e *Engine) ResumeSession(ctx context.Context, sessionId string) error {
	return e.HandleTrigger(ctx, sessionId, model.ManualResumeTrigger())
}
