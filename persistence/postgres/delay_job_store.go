package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/jackc/pgx/v5"
)

type delayJobStore Storage

var _ persistence.DelayJobStorage = new(delayJobStore)

func (d *delayJobStore) Schedule(ctx context.Context, sessionId string, runAt time.Time) (string, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	defer tx.Rollback(ctx)

	// a new delay replaces any outstanding one for the session
	if _, err := tx.Exec(ctx, `
		UPDATE delay_jobs SET status = 'cancelled'
		WHERE session_id = $1 AND status = 'scheduled'`, sessionId); err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	jobId := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO delay_jobs (id, session_id, run_at, status)
		VALUES ($1, $2, $3, 'scheduled')`, jobId, sessionId, runAt); err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	return jobId, nil
}

func (d *delayJobStore) Cancel(ctx context.Context, sessionId string) error {
	_, err := d.db.Exec(ctx, `
		UPDATE delay_jobs SET status = 'cancelled'
		WHERE session_id = $1 AND status = 'scheduled'`, sessionId)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *delayJobStore) Due(ctx context.Context, now time.Time, limit int) ([]model.DelayJob, error) {
	rows, err := d.db.Query(ctx, `
		UPDATE delay_jobs SET status = 'fired'
		WHERE id IN (
			SELECT id FROM delay_jobs
			WHERE status = 'scheduled' AND run_at <= $1
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, session_id, run_at`, now, limit)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var jobs []model.DelayJob
	for rows.Next() {
		j := model.DelayJob{Status: model.DELAY_JOB_FIRED}
		if err := rows.Scan(&j.Id, &j.SessionId, &j.RunAt); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return jobs, nil
}

func (d *delayJobStore) Scheduled(ctx context.Context, sessionId string) (*model.DelayJob, error) {
	j := model.DelayJob{Status: model.DELAY_JOB_SCHEDULED}
	err := d.db.QueryRow(ctx, `
		SELECT id, session_id, run_at FROM delay_jobs
		WHERE session_id = $1 AND status = 'scheduled'`, sessionId).
		Scan(&j.Id, &j.SessionId, &j.RunAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &j, nil
}
