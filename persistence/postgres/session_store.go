package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/jackc/pgx/v5"
)

type sessionStore Storage

var _ persistence.SessionStorage = new(sessionStore)

const sessionColumns = `id, flow_id, contact_id, channel_instance_id, owner,
	current_node_id, variables, status, started_at, last_interaction_at,
	processing, processing_started_at, processing_token, timeout_at,
	waiting_input, delay_until, fault_count, fault_reason`

func scanSession(row pgx.Row) (*model.FlowSession, error) {
	var s model.FlowSession
	var variables []byte
	var status string
	err := row.Scan(&s.Id, &s.FlowId, &s.ContactId, &s.ChannelInstanceId, &s.Owner,
		&s.CurrentNodeId, &variables, &status, &s.StartedAt, &s.LastInteractionAt,
		&s.Processing, &s.ProcessingStartedAt, &s.ProcessingToken, &s.TimeoutAt,
		&s.WaitingInput, &s.DelayUntil, &s.FaultCount, &s.FaultReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	s.Status = model.SessionStatus(status)
	if err := json.Unmarshal(variables, &s.Variables); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &s, nil
}

func (st *sessionStore) SaveSession(ctx context.Context, s *model.FlowSession) error {
	variables, err := json.Marshal(s.Variables)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	_, err = st.db.Exec(ctx, `
		INSERT INTO flow_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			current_node_id = EXCLUDED.current_node_id,
			variables = EXCLUDED.variables,
			status = EXCLUDED.status,
			last_interaction_at = EXCLUDED.last_interaction_at,
			timeout_at = EXCLUDED.timeout_at,
			timeout_claimed = FALSE,
			waiting_input = EXCLUDED.waiting_input,
			delay_until = EXCLUDED.delay_until,
			fault_count = EXCLUDED.fault_count,
			fault_reason = EXCLUDED.fault_reason`,
		s.Id, s.FlowId, s.ContactId, s.ChannelInstanceId, s.Owner,
		s.CurrentNodeId, variables, string(s.Status), s.StartedAt, s.LastInteractionAt,
		s.Processing, s.ProcessingStartedAt, s.ProcessingToken, s.TimeoutAt,
		s.WaitingInput, s.DelayUntil, s.FaultCount, s.FaultReason)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (st *sessionStore) SaveSessionOwned(ctx context.Context, s *model.FlowSession, token string) (bool, error) {
	variables, err := json.Marshal(s.Variables)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	ct, err := st.db.Exec(ctx, `
		UPDATE flow_sessions SET
			current_node_id = $2,
			variables = $3,
			status = $4,
			last_interaction_at = $5,
			timeout_at = $6,
			timeout_claimed = FALSE,
			waiting_input = $7,
			delay_until = $8,
			fault_count = $9,
			fault_reason = $10
		WHERE id = $1 AND processing AND processing_token = $11`,
		s.Id, s.CurrentNodeId, variables, string(s.Status), s.LastInteractionAt,
		s.TimeoutAt, s.WaitingInput, s.DelayUntil, s.FaultCount, s.FaultReason, token)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return ct.RowsAffected() == 1, nil
}

func (st *sessionStore) GetSession(ctx context.Context, id string) (*model.FlowSession, error) {
	row := st.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (st *sessionStore) FindActiveByContact(ctx context.Context, contactId string, channelInstanceId string) ([]model.FlowSession, error) {
	rows, err := st.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM flow_sessions
		WHERE contact_id = $1 AND channel_instance_id = $2
		  AND status NOT IN ('completed', 'expired')
		ORDER BY started_at DESC`, contactId, channelInstanceId)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var out []model.FlowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return out, nil
}

func (st *sessionStore) CountActiveByFlow(ctx context.Context, flowId string) (int, error) {
	var n int
	err := st.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM flow_sessions
		WHERE flow_id = $1 AND status NOT IN ('completed', 'expired')`, flowId).Scan(&n)
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return n, nil
}

func (st *sessionStore) TryAcquire(ctx context.Context, sessionId string, now time.Time, token string) (bool, error) {
	ct, err := st.db.Exec(ctx, `
		UPDATE flow_sessions
		SET processing = TRUE, processing_started_at = $2, processing_token = $3
		WHERE id = $1 AND NOT processing`, sessionId, now, token)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return ct.RowsAffected() == 1, nil
}

func (st *sessionStore) Release(ctx context.Context, sessionId string, token string) error {
	_, err := st.db.Exec(ctx, `
		UPDATE flow_sessions
		SET processing = FALSE, processing_started_at = NULL, processing_token = ''
		WHERE id = $1 AND ($2 = '' OR processing_token = $2)`, sessionId, token)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (st *sessionStore) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]model.FlowSession, error) {
	rows, err := st.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM flow_sessions
		WHERE processing AND processing_started_at < $1`, olderThan)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var out []model.FlowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return out, nil
}

// DueTimeouts claims with a marker column instead of clearing timeout_at: the
// interpreter needs the elapsed window on the row to tell it apart from a
// wait that never armed one.
func (st *sessionStore) DueTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := st.db.Query(ctx, `
		UPDATE flow_sessions SET timeout_claimed = TRUE
		WHERE id IN (
			SELECT id FROM flow_sessions
			WHERE timeout_at <= $1 AND NOT timeout_claimed AND status = 'active'
			ORDER BY timeout_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, now, limit)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return ids, nil
}
