package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"github.com/jackc/pgx/v5"
)

type definitionStore Storage

var _ persistence.DefinitionStorage = new(definitionStore)

func (d *definitionStore) SaveDefinition(ctx context.Context, def *model.FlowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	_, err = d.db.Exec(ctx, `
		INSERT INTO flow_definitions (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, def.Id, data)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *definitionStore) GetDefinition(ctx context.Context, id string) (*model.FlowDefinition, error) {
	var data []byte
	err := d.db.QueryRow(ctx, `SELECT data FROM flow_definitions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var def model.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return &def, nil
}

func (d *definitionStore) DeleteDefinition(ctx context.Context, id string) error {
	ct, err := d.db.Exec(ctx, `DELETE FROM flow_definitions WHERE id = $1`, id)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if ct.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (d *definitionStore) ListDefinitions(ctx context.Context) ([]model.FlowDefinition, error) {
	rows, err := d.db.Query(ctx, `SELECT data FROM flow_definitions ORDER BY id`)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()
	var out []model.FlowDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		var def model.FlowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return out, nil
}
