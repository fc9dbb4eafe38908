// Package scheduler is the durable wake-up schedule: delay jobs and waitInput
// timeouts are discovered by periodic due-queries against storage, never by
// in-process timers, so a crashed worker loses nothing.
package scheduler

import (
	"context"
	"time"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"go.uber.org/zap"
)

type Scheduler struct {
	jobs     persistence.DelayJobStorage
	sessions persistence.SessionStorage
}

func NewScheduler(jobs persistence.DelayJobStorage, sessions persistence.SessionStorage) *Scheduler {
	return &Scheduler{jobs: jobs, sessions: sessions}
}

// Schedule records "wake sessionId at runAt", replacing any outstanding
// scheduled job for the session.
func (s *Scheduler) Schedule(ctx context.Context, sessionId string, runAt time.Time) (string, error) {
	jobId, err := s.jobs.Schedule(ctx, sessionId, runAt)
	if err != nil {
		return "", err
	}
	logger.Debug("scheduled delay job",
		zap.String("session", sessionId),
		zap.String("job", jobId),
		zap.Time("runAt", runAt))
	return jobId, nil
}

func (s *Scheduler) Cancel(ctx context.Context, sessionId string) error {
	return s.jobs.Cancel(ctx, sessionId)
}

// DueJobs atomically claims delay jobs whose fire time has passed. Each job
// comes back exactly once across all concurrent pollers.
func (s *Scheduler) DueJobs(ctx context.Context, now time.Time, limit int) ([]model.DelayJob, error) {
	return s.jobs.Due(ctx, now, limit)
}

// DueTimeouts claims sessions whose waitInput patience has expired. These
// read off the session row rather than a DelayJob; both paths converge on the
// engine's timer-resume entry point.
func (s *Scheduler) DueTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.sessions.DueTimeouts(ctx, now, limit)
}

func (s *Scheduler) Scheduled(ctx context.Context, sessionId string) (*model.DelayJob, error) {
	return s.jobs.Scheduled(ctx, sessionId)
}
