package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence/inmem"
	"github.com/stretchr/testify/require"
)

func TestLockManager(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, m *Manager, storage *inmem.Storage,
	){
		"only one concurrent holder":     testMutualExclusion,
		"release is idempotent":          testIdempotentRelease,
		"reaper frees only stale locks":  testReaperStaleOnly,
		"stale write loses to new owner": testStaleWriteRejected,
	} {
		t.Run(scenario, func(t *testing.T) {
			storage := inmem.NewStorage()
			m := NewManager(storage.Sessions(), 5*time.Minute)
			fn(t, m, storage)
		})
	}
}

func saveSession(t *testing.T, storage *inmem.Storage, id string) {
	t.Helper()
	err := storage.Sessions().SaveSession(context.Background(), &model.FlowSession{
		Id:        id,
		FlowId:    "flow-1",
		ContactId: "contact-1",
		Status:    model.SESSION_ACTIVE,
		Variables: map[string]any{},
	})
	require.NoError(t, err)
}

func testMutualExclusion(t *testing.T, m *Manager, storage *inmem.Storage) {
	ctx := context.Background()
	saveSession(t, storage, "s1")

	var mu sync.Mutex
	acquired := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := m.TryAcquire(ctx, "s1"); err == nil && ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, acquired)
}

func testIdempotentRelease(t *testing.T, m *Manager, storage *inmem.Storage) {
	ctx := context.Background()
	saveSession(t, storage, "s1")

	token, ok, err := m.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	m.Release(ctx, "s1", token)
	m.Release(ctx, "s1", token)

	_, ok, err = m.TryAcquire(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
}

func testReaperStaleOnly(t *testing.T, m *Manager, storage *inmem.Storage) {
	ctx := context.Background()
	saveSession(t, storage, "fresh")
	saveSession(t, storage, "stuck")

	_, ok, err := m.TryAcquire(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)

	// fabricate a lock acquired six minutes ago
	past := time.Now().Add(-6 * time.Minute)
	acquired, err := storage.Sessions().TryAcquire(ctx, "stuck", past, "dead-worker")
	require.NoError(t, err)
	require.True(t, acquired)

	freed, err := m.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, freed)

	// the fresh lock is untouched
	_, ok, err = m.TryAcquire(ctx, "fresh")
	require.NoError(t, err)
	require.False(t, ok)
	// the stuck session is acquirable again
	_, ok, err = m.TryAcquire(ctx, "stuck")
	require.NoError(t, err)
	require.True(t, ok)
}

func testStaleWriteRejected(t *testing.T, m *Manager, storage *inmem.Storage) {
	ctx := context.Background()
	saveSession(t, storage, "s1")

	past := time.Now().Add(-6 * time.Minute)
	acquired, err := storage.Sessions().TryAcquire(ctx, "s1", past, "dead-worker")
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = m.ReapStale(ctx)
	require.NoError(t, err)

	// the dead worker wakes up and tries to write with its old token
	s, err := storage.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	s.CurrentNodeId = "somewhere-else"
	saved, err := storage.Sessions().SaveSessionOwned(ctx, s, "dead-worker")
	require.NoError(t, err)
	require.False(t, saved)

	stored, err := storage.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "", stored.CurrentNodeId)
}
