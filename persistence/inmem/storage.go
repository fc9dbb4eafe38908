// Package inmem is a mutex-guarded Storage implementation for tests and
// single-node development. The conditional operations hold the same atomicity
// contract as the durable backends, just under one process-wide mutex.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
)

type Storage struct {
	mu          sync.Mutex
	definitions map[string]model.FlowDefinition
	sessions    map[string]model.FlowSession
	jobs        map[string]model.DelayJob // keyed by job id
	// timeoutClaims marks sessions whose due timeout was already handed to a
	// poller. TimeoutAt itself stays on the session so the interpreter can
	// tell an elapsed window from one that was never armed.
	timeoutClaims map[string]bool
}

var _ persistence.Storage = new(Storage)

func NewStorage() *Storage {
	return &Storage{
		definitions:   make(map[string]model.FlowDefinition),
		sessions:      make(map[string]model.FlowSession),
		jobs:          make(map[string]model.DelayJob),
		timeoutClaims: make(map[string]bool),
	}
}

func (s *Storage) Definitions() persistence.DefinitionStorage { return (*definitionStore)(s) }
func (s *Storage) Sessions() persistence.SessionStorage       { return (*sessionStore)(s) }
func (s *Storage) DelayJobs() persistence.DelayJobStorage     { return (*delayJobStore)(s) }
func (s *Storage) Close() error                               { return nil }

type definitionStore Storage

func (d *definitionStore) SaveDefinition(_ context.Context, def *model.FlowDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.definitions[def.Id] = *def
	return nil
}

func (d *definitionStore) GetDefinition(_ context.Context, id string) (*model.FlowDefinition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	def, ok := d.definitions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &def, nil
}

func (d *definitionStore) DeleteDefinition(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.definitions[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(d.definitions, id)
	return nil
}

func (d *definitionStore) ListDefinitions(_ context.Context) ([]model.FlowDefinition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.FlowDefinition, 0, len(d.definitions))
	for _, def := range d.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

type sessionStore Storage

func (st *sessionStore) SaveSession(_ context.Context, s *model.FlowSession) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.Id] = *s.Clone()
	delete(st.timeoutClaims, s.Id)
	return nil
}

func (st *sessionStore) SaveSessionOwned(_ context.Context, s *model.FlowSession, token string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.sessions[s.Id]
	if !ok {
		return false, persistence.ErrNotFound
	}
	if !cur.Processing || cur.ProcessingToken != token {
		return false, nil
	}
	saved := *s.Clone()
	// lock fields stay as acquired; release is a separate step
	saved.Processing = cur.Processing
	saved.ProcessingStartedAt = cur.ProcessingStartedAt
	saved.ProcessingToken = cur.ProcessingToken
	st.sessions[s.Id] = saved
	delete(st.timeoutClaims, s.Id)
	return true, nil
}

func (st *sessionStore) GetSession(_ context.Context, id string) (*model.FlowSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.Clone(), nil
}

func (st *sessionStore) FindActiveByContact(_ context.Context, contactId string, channelInstanceId string) ([]model.FlowSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []model.FlowSession
	for _, s := range st.sessions {
		if s.ContactId == contactId && s.ChannelInstanceId == channelInstanceId && !s.Terminal() {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (st *sessionStore) CountActiveByFlow(_ context.Context, flowId string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, s := range st.sessions {
		if s.FlowId == flowId && !s.Terminal() {
			n++
		}
	}
	return n, nil
}

func (st *sessionStore) TryAcquire(_ context.Context, sessionId string, now time.Time, token string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionId]
	if !ok {
		return false, persistence.ErrNotFound
	}
	if s.Processing {
		return false, nil
	}
	s.Processing = true
	s.ProcessingStartedAt = &now
	s.ProcessingToken = token
	st.sessions[sessionId] = s
	return true, nil
}

func (st *sessionStore) Release(_ context.Context, sessionId string, token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionId]
	if !ok {
		return nil
	}
	if token != "" && s.ProcessingToken != token {
		return nil
	}
	s.Processing = false
	s.ProcessingStartedAt = nil
	s.ProcessingToken = ""
	st.sessions[sessionId] = s
	return nil
}

func (st *sessionStore) ListStaleProcessing(_ context.Context, olderThan time.Time) ([]model.FlowSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []model.FlowSession
	for _, s := range st.sessions {
		if s.Processing && s.ProcessingStartedAt != nil && s.ProcessingStartedAt.Before(olderThan) {
			out = append(out, *s.Clone())
		}
	}
	return out, nil
}

func (st *sessionStore) DueTimeouts(_ context.Context, now time.Time, limit int) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for id, s := range st.sessions {
		if len(out) >= limit {
			break
		}
		if s.Status != model.SESSION_ACTIVE || s.TimeoutAt == nil || s.TimeoutAt.After(now) {
			continue
		}
		if st.timeoutClaims[id] {
			continue
		}
		st.timeoutClaims[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type delayJobStore Storage

func (d *delayJobStore) Schedule(_ context.Context, sessionId string, runAt time.Time) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, j := range d.jobs {
		if j.SessionId == sessionId && j.Status == model.DELAY_JOB_SCHEDULED {
			j.Status = model.DELAY_JOB_CANCELLED
			d.jobs[id] = j
		}
	}
	job := model.DelayJob{
		Id:        uuid.NewString(),
		SessionId: sessionId,
		RunAt:     runAt,
		Status:    model.DELAY_JOB_SCHEDULED,
	}
	d.jobs[job.Id] = job
	return job.Id, nil
}

func (d *delayJobStore) Cancel(_ context.Context, sessionId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, j := range d.jobs {
		if j.SessionId == sessionId && j.Status == model.DELAY_JOB_SCHEDULED {
			j.Status = model.DELAY_JOB_CANCELLED
			d.jobs[id] = j
		}
	}
	return nil
}

func (d *delayJobStore) Due(_ context.Context, now time.Time, limit int) ([]model.DelayJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.DelayJob
	for id, j := range d.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != model.DELAY_JOB_SCHEDULED || j.RunAt.After(now) {
			continue
		}
		j.Status = model.DELAY_JOB_FIRED
		d.jobs[id] = j
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

func (d *delayJobStore) Scheduled(_ context.Context, sessionId string) (*model.DelayJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range d.jobs {
		if j.SessionId == sessionId && j.Status == model.DELAY_JOB_SCHEDULED {
			job := j
			return &job, nil
		}
	}
	return nil, persistence.ErrNotFound
}
