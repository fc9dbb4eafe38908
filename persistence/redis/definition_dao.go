package redis

import (
	"context"
	"errors"

	rd "github.com/go-redis/redis/v9"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"go.uber.org/zap"
)

const FLOWS_KEY string = "FLOWS"

type definitionDao struct {
	baseDao
	codec blobCodec[model.FlowDefinition]
}

var _ persistence.DefinitionStorage = new(definitionDao)

func (d *definitionDao) SaveDefinition(ctx context.Context, def *model.FlowDefinition) error {
	key := d.getNamespaceKey(FLOWS_KEY)
	data, err := d.codec.marshal(*def)
	if err != nil {
		return err
	}
	if err := d.redisClient.HSet(ctx, key, def.Id, string(data)).Err(); err != nil {
		logger.Error("error saving flow definition", zap.String("flow", def.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *definitionDao) GetDefinition(ctx context.Context, id string) (*model.FlowDefinition, error) {
	key := d.getNamespaceKey(FLOWS_KEY)
	str, err := d.redisClient.HGet(ctx, key, id).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		logger.Error("error getting flow definition", zap.String("flow", id), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return d.codec.unmarshal([]byte(str))
}

func (d *definitionDao) DeleteDefinition(ctx context.Context, id string) error {
	key := d.getNamespaceKey(FLOWS_KEY)
	removed, err := d.redisClient.HDel(ctx, key, id).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if removed == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (d *definitionDao) ListDefinitions(ctx context.Context) ([]model.FlowDefinition, error) {
	key := d.getNamespaceKey(FLOWS_KEY)
	all, err := d.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]model.FlowDefinition, 0, len(all))
	for id, str := range all {
		def, err := d.codec.unmarshal([]byte(str))
		if err != nil {
			logger.Error("skipping undecodable flow definition", zap.String("flow", id), zap.Error(err))
			continue
		}
		out = append(out, *def)
	}
	return out, nil
}
