// Package runner hosts the background machinery: the delay poller, the
// timeout poller, and the stale-lock reaper, all feeding session wake-ups
// into a worker pool that drives the engine.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/inboxflow/inboxflow/config"
	"github.com/inboxflow/inboxflow/engine"
	"github.com/inboxflow/inboxflow/lock"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/scheduler"
	"github.com/inboxflow/inboxflow/util"
	"go.uber.org/zap"
)

type Runner struct {
	sched       *scheduler.Scheduler
	locks       *lock.Manager
	batchSize   int
	worker      *util.Worker[model.SessionExecutionRequest]
	delayPoller *util.TickWorker
	timerPoller *util.TickWorker
	reaper      *util.TickWorker
}

func NewRunner(cfg *config.Config, eng *engine.Engine, sched *scheduler.Scheduler, locks *lock.Manager, wg *sync.WaitGroup) *Runner {
	r := &Runner{sched: sched, locks: locks, batchSize: cfg.DueBatchSize}
	r.worker = util.NewWorker("session-executor", wg, func(req model.SessionExecutionRequest) error {
		return eng.HandleTrigger(context.Background(), req.SessionId, req.Trigger)
	}, cfg.WorkerCapacity)
	r.delayPoller = util.NewTickWorker("delay-poller", cfg.PollInterval, r.pollDelays, wg)
	r.timerPoller = util.NewTickWorker("timeout-poller", cfg.PollInterval, r.pollTimeouts, wg)
	r.reaper = util.NewTickWorker("lock-reaper", cfg.ReapInterval, r.reapLocks, wg)
	return r
}

func (r *Runner) Start() {
	r.worker.Start()
	r.delayPoller.Start()
	r.timerPoller.Start()
	r.reaper.Start()
}

func (r *Runner) Stop() {
	r.delayPoller.Stop()
	r.timerPoller.Stop()
	r.reaper.Stop()
	r.worker.Stop()
}

// pollDelays claims due delay jobs and hands the woken sessions to the
// executor. The claim is atomic in storage, so two engine instances polling
// the same backend cannot double-fire a job.
func (r *Runner) pollDelays() {
	ctx := context.Background()
	jobs, err := r.sched.DueJobs(ctx, time.Now(), r.batchSize)
	if err != nil {
		logger.Error("polling due delay jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		logger.Debug("delay job fired", zap.String("session", job.SessionId), zap.String("job", job.Id))
		r.worker.Sender() <- model.SessionExecutionRequest{
			SessionId: job.SessionId,
			Trigger:   model.TimerFiredTrigger(),
		}
	}
}

func (r *Runner) pollTimeouts() {
	ctx := context.Background()
	ids, err := r.sched.DueTimeouts(ctx, time.Now(), r.batchSize)
	if err != nil {
		logger.Error("polling due input timeouts", zap.Error(err))
		return
	}
	for _, id := range ids {
		logger.Debug("input timeout fired", zap.String("session", id))
		r.worker.Sender() <- model.SessionExecutionRequest{
			SessionId: id,
			Trigger:   model.TimerFiredTrigger(),
		}
	}
}

func (r *Runner) reapLocks() {
	freed, err := r.locks.ReapStale(context.Background())
	if err != nil {
		logger.Error("reaping stale locks", zap.Error(err))
		return
	}
	// A freed session gets a timer nudge so it re-evaluates whatever it was
	// doing when its previous holder died.
	for _, id := range freed {
		r.worker.Sender() <- model.SessionExecutionRequest{
			SessionId: id,
			Trigger:   model.TimerFiredTrigger(),
		}
	}
}
