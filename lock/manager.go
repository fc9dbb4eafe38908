// Package lock implements the session processing lock: a storage-backed
// mutual-exclusion flag that guarantees exactly one worker advances a given
// session at a time, plus a reaper for locks abandoned by crashed workers.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/persistence"
	"go.uber.org/zap"
)

const DefaultStaleThreshold = 5 * time.Minute

type Manager struct {
	sessions       persistence.SessionStorage
	staleThreshold time.Duration
}

func NewManager(sessions persistence.SessionStorage, staleThreshold time.Duration) *Manager {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Manager{sessions: sessions, staleThreshold: staleThreshold}
}

// TryAcquire attempts the compare-and-set acquisition. A false return means
// another worker holds the session; that is expected and frequent, not an
// error, so callers should drop the trigger silently.
func (m *Manager) TryAcquire(ctx context.Context, sessionId string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.sessions.TryAcquire(ctx, sessionId, time.Now(), token)
	if err != nil {
		return "", false, err
	}
	if !ok {
		logger.Debug("session lock busy", zap.String("session", sessionId))
		return "", false, nil
	}
	return token, true, nil
}

// Release clears the lock. Idempotent: releasing an already-released session
// (for instance after the reaper force-freed it) is a no-op.
func (m *Manager) Release(ctx context.Context, sessionId string, token string) {
	if err := m.sessions.Release(ctx, sessionId, token); err != nil {
		logger.Error("error releasing session lock", zap.String("session", sessionId), zap.Error(err))
	}
}

// ReapStale force-releases locks held longer than the staleness threshold.
// Sessions under the threshold are never touched. Returns the freed ids.
func (m *Manager) ReapStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-m.staleThreshold)
	stale, err := m.sessions.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var freed []string
	for _, s := range stale {
		stuckFor := time.Duration(0)
		if s.ProcessingStartedAt != nil {
			stuckFor = time.Since(*s.ProcessingStartedAt)
		}
		if err := m.sessions.Release(ctx, s.Id, ""); err != nil {
			logger.Error("error force-releasing stale lock", zap.String("session", s.Id), zap.Error(err))
			continue
		}
		logger.Warn("recovered stale session lock",
			zap.String("session", s.Id),
			zap.String("node", s.CurrentNodeId),
			zap.Duration("stuckFor", stuckFor))
		freed = append(freed, s.Id)
	}
	return freed, nil
}

func (m *Manager) StaleThreshold() time.Duration {
	return m.staleThreshold
}
