// Package postgres implements the storage contracts on PostgreSQL via pgx.
// The session row carries the processing lock directly; every conditional
// operation is a single conditional UPDATE, and the due-scans claim rows with
// FOR UPDATE SKIP LOCKED so concurrent pollers never double-fire.
package postgres

import (
	"context"

	"github.com/inboxflow/inboxflow/persistence"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Storage struct {
	db *pgxpool.Pool
}

var _ persistence.Storage = new(Storage)

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	s := &Storage{db: db}
	if err := s.createSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) Definitions() persistence.DefinitionStorage { return (*definitionStore)(s) }
func (s *Storage) Sessions() persistence.SessionStorage       { return (*sessionStore)(s) }
func (s *Storage) DelayJobs() persistence.DelayJobStorage     { return (*delayJobStore)(s) }

func (s *Storage) Close() error {
	s.db.Close()
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flow_definitions (
    id         TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flow_sessions (
    id                    TEXT PRIMARY KEY,
    flow_id               TEXT NOT NULL,
    contact_id            TEXT NOT NULL,
    channel_instance_id   TEXT NOT NULL,
    owner                 TEXT NOT NULL DEFAULT '',
    current_node_id       TEXT NOT NULL DEFAULT '',
    variables             JSONB NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL,
    started_at            TIMESTAMPTZ NOT NULL,
    last_interaction_at   TIMESTAMPTZ NOT NULL,
    processing            BOOLEAN NOT NULL DEFAULT FALSE,
    processing_started_at TIMESTAMPTZ,
    processing_token      TEXT NOT NULL DEFAULT '',
    timeout_at            TIMESTAMPTZ,
    timeout_claimed       BOOLEAN NOT NULL DEFAULT FALSE,
    waiting_input         BOOLEAN NOT NULL DEFAULT FALSE,
    delay_until           TIMESTAMPTZ,
    fault_count           INT NOT NULL DEFAULT 0,
    fault_reason          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS delay_jobs (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    run_at     TIMESTAMPTZ NOT NULL,
    status     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_contact   ON flow_sessions(channel_instance_id, contact_id);
CREATE INDEX IF NOT EXISTS idx_sessions_flow      ON flow_sessions(flow_id);
CREATE INDEX IF NOT EXISTS idx_sessions_timeout   ON flow_sessions(timeout_at) WHERE timeout_at IS NOT NULL AND NOT timeout_claimed;
CREATE INDEX IF NOT EXISTS idx_sessions_stale     ON flow_sessions(processing_started_at) WHERE processing;
CREATE INDEX IF NOT EXISTS idx_delay_jobs_due     ON delay_jobs(run_at) WHERE status = 'scheduled';
CREATE INDEX IF NOT EXISTS idx_delay_jobs_session ON delay_jobs(session_id) WHERE status = 'scheduled';
`

func (s *Storage) createSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
