// Package metadata manages flow definitions: validation, a read-through
// cache in front of storage, and the deletion guard that keeps a definition
// alive while sessions still reference it.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrDefinitionInUse is returned when deletion is blocked by live sessions.
type ErrDefinitionInUse struct {
	FlowId   string
	Sessions int
}

func (e ErrDefinitionInUse) Error() string {
	return fmt.Sprintf("flow %s has %d non-terminal sessions", e.FlowId, e.Sessions)
}

type Service struct {
	definitions persistence.DefinitionStorage
	sessions    persistence.SessionStorage
	cache       *c.Cache
}

func NewService(definitions persistence.DefinitionStorage, sessions persistence.SessionStorage) *Service {
	return &Service{
		definitions: definitions,
		sessions:    sessions,
		cache:       c.New(5*time.Minute, 10*time.Minute),
	}
}

func (s *Service) Save(ctx context.Context, def *model.FlowDefinition) error {
	if err := model.ValidateDefinition(def); err != nil {
		return err
	}
	if err := s.definitions.SaveDefinition(ctx, def); err != nil {
		return err
	}
	s.cache.Set(def.Id, *def, c.DefaultExpiration)
	logger.Info("flow definition saved", zap.String("flow", def.Id), zap.String("name", def.Name))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.FlowDefinition, error) {
	if cached, found := s.cache.Get(id); found {
		def := cached.(model.FlowDefinition)
		return &def, nil
	}
	def, err := s.definitions.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, *def, c.DefaultExpiration)
	return def, nil
}

// Delete removes a definition unless non-terminal sessions still reference
// it. Tenants deactivate flows to stop new triggers; deletion of a flow with
// live conversations is refused rather than cascade-expiring them.
func (s *Service) Delete(ctx context.Context, id string) error {
	n, err := s.sessions.CountActiveByFlow(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrDefinitionInUse{FlowId: id, Sessions: n}
	}
	if err := s.definitions.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(id)
	logger.Info("flow definition deleted", zap.String("flow", id))
	return nil
}

func (s *Service) List(ctx context.Context) ([]model.FlowDefinition, error) {
	return s.definitions.ListDefinitions(ctx)
}
