package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxflow/inboxflow/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

var ErrNotFound = errors.New("not found")

type DefinitionStorage interface {
	SaveDefinition(ctx context.Context, def *model.FlowDefinition) error
	GetDefinition(ctx context.Context, id string) (*model.FlowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
	ListDefinitions(ctx context.Context) ([]model.FlowDefinition, error)
}

// SessionStorage persists FlowSession rows and implements the atomic
// compare-and-set operations the lock manager is built on. Every backend must
// guarantee row-level conditional update semantics for TryAcquire/Release/
// SaveSessionOwned; without that the mutual-exclusion property does not hold.
type SessionStorage interface {
	// SaveSession writes unconditionally. Use only for session creation and
	// administrative mutations taken under a held lock.
	SaveSession(ctx context.Context, s *model.FlowSession) error
	// SaveSessionOwned writes only if the row is still locked with token.
	// Returns false (and does not write) when ownership was lost.
	SaveSessionOwned(ctx context.Context, s *model.FlowSession, token string) (bool, error)
	GetSession(ctx context.Context, id string) (*model.FlowSession, error)
	// FindActiveByContact returns the contact's non-terminal sessions on the
	// given channel instance.
	FindActiveByContact(ctx context.Context, contactId string, channelInstanceId string) ([]model.FlowSession, error)
	CountActiveByFlow(ctx context.Context, flowId string) (int, error)

	// TryAcquire compare-and-sets (processing=false) -> (processing=true,
	// processingStartedAt=now, processingToken=token).
	TryAcquire(ctx context.Context, sessionId string, now time.Time, token string) (bool, error)
	// Release clears the lock when token matches; an empty token forces.
	// Idempotent: releasing an unlocked session is a no-op.
	Release(ctx context.Context, sessionId string, token string) error
	// ListStaleProcessing returns sessions locked since before olderThan.
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]model.FlowSession, error)

	// DueTimeouts atomically claims up to limit sessions whose timeoutAt has
	// passed. The claim prevents a concurrent poll from double-firing, but
	// timeoutAt itself stays on the session so the interpreter can verify the
	// deadline against its own clock. Any subsequent save clears the claim.
	DueTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// DelayJobStorage is the durable wake-up schedule. Schedule replaces any
// prior scheduled job for the session, which enforces the at-most-one
// invariant; Due atomically marks returned jobs fired.
type DelayJobStorage interface {
	Schedule(ctx context.Context, sessionId string, runAt time.Time) (string, error)
	Cancel(ctx context.Context, sessionId string) error
	Due(ctx context.Context, now time.Time, limit int) ([]model.DelayJob, error)
	Scheduled(ctx context.Context, sessionId string) (*model.DelayJob, error)
}

type Storage interface {
	Definitions() DefinitionStorage
	Sessions() SessionStorage
	DelayJobs() DelayJobStorage
	Close() error
}
