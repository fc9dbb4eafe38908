package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, storage *Storage,
	){
		"schedule replaces prior job":      testScheduleReplaces,
		"due jobs fire exactly once":       testDueFiresOnce,
		"due timeouts are claimed":         testDueTimeoutsClaimed,
		"owned save keeps lock fields":     testOwnedSaveKeepsLock,
		"find active sessions by contact":  testFindActiveByContact,
		"count active sessions per flow":   testCountActiveByFlow,
		"missing session returns notfound": testNotFound,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, NewStorage())
		})
	}
}

func makeSession(id string) *model.FlowSession {
	return &model.FlowSession{
		Id:                id,
		FlowId:            "flow-1",
		ContactId:         "contact-1",
		ChannelInstanceId: "instance-1",
		Status:            model.SESSION_ACTIVE,
		StartedAt:         time.Now(),
		Variables:         map[string]any{},
	}
}

func testScheduleReplaces(t *testing.T, storage *Storage) {
	ctx := context.Background()
	jobs := storage.DelayJobs()

	first, err := jobs.Schedule(ctx, "s1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	second, err := jobs.Schedule(ctx, "s1", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	job, err := jobs.Scheduled(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, second, job.Id)
}

func testDueFiresOnce(t *testing.T, storage *Storage) {
	ctx := context.Background()
	jobs := storage.DelayJobs()

	_, err := jobs.Schedule(ctx, "s1", time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = jobs.Schedule(ctx, "s2", time.Now().Add(time.Hour))
	require.NoError(t, err)

	due, err := jobs.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "s1", due[0].SessionId)
	require.Equal(t, model.DELAY_JOB_FIRED, due[0].Status)

	due, err = jobs.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func testDueTimeoutsClaimed(t *testing.T, storage *Storage) {
	ctx := context.Background()
	sessions := storage.Sessions()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	overdue := makeSession("overdue")
	overdue.TimeoutAt = &past
	require.NoError(t, sessions.SaveSession(ctx, overdue))

	waiting := makeSession("waiting")
	waiting.TimeoutAt = &future
	require.NoError(t, sessions.SaveSession(ctx, waiting))

	done := makeSession("done")
	done.Status = model.SESSION_COMPLETED
	done.TimeoutAt = &past
	require.NoError(t, sessions.SaveSession(ctx, done))

	ids, err := sessions.DueTimeouts(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"overdue"}, ids)

	// the deadline stays on the session for the interpreter to check
	claimed, err := sessions.GetSession(ctx, "overdue")
	require.NoError(t, err)
	require.NotNil(t, claimed.TimeoutAt)

	// claimed: a second poll returns nothing
	ids, err = sessions.DueTimeouts(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	// a fresh save re-arms the claim
	require.NoError(t, sessions.SaveSession(ctx, claimed))
	ids, err = sessions.DueTimeouts(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"overdue"}, ids)
}

func testOwnedSaveKeepsLock(t *testing.T, storage *Storage) {
	ctx := context.Background()
	sessions := storage.Sessions()
	require.NoError(t, sessions.SaveSession(ctx, makeSession("s1")))

	acquired, err := sessions.TryAcquire(ctx, "s1", time.Now(), "tok")
	require.NoError(t, err)
	require.True(t, acquired)

	s, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	s.CurrentNodeId = "n2"
	s.Processing = false // a buggy writer must not be able to drop the lock
	saved, err := sessions.SaveSessionOwned(ctx, s, "tok")
	require.NoError(t, err)
	require.True(t, saved)

	stored, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "n2", stored.CurrentNodeId)
	require.True(t, stored.Processing)
	require.Equal(t, "tok", stored.ProcessingToken)

	saved, err = sessions.SaveSessionOwned(ctx, s, "wrong-token")
	require.NoError(t, err)
	require.False(t, saved)
}

func testFindActiveByContact(t *testing.T, storage *Storage) {
	ctx := context.Background()
	sessions := storage.Sessions()

	live := makeSession("live")
	require.NoError(t, sessions.SaveSession(ctx, live))
	finished := makeSession("finished")
	finished.Status = model.SESSION_COMPLETED
	require.NoError(t, sessions.SaveSession(ctx, finished))
	other := makeSession("other")
	other.ContactId = "contact-2"
	require.NoError(t, sessions.SaveSession(ctx, other))

	found, err := sessions.FindActiveByContact(ctx, "contact-1", "instance-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "live", found[0].Id)
}

func testCountActiveByFlow(t *testing.T, storage *Storage) {
	ctx := context.Background()
	sessions := storage.Sessions()

	require.NoError(t, sessions.SaveSession(ctx, makeSession("a")))
	require.NoError(t, sessions.SaveSession(ctx, makeSession("b")))
	expired := makeSession("c")
	expired.Status = model.SESSION_EXPIRED
	require.NoError(t, sessions.SaveSession(ctx, expired))

	n, err := sessions.CountActiveByFlow(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func testNotFound(t *testing.T, storage *Storage) {
	ctx := context.Background()
	_, err := storage.Sessions().GetSession(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = storage.Definitions().GetDefinition(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = storage.DelayJobs().Scheduled(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}
