// Package trigger routes inbound contact events: resume the contact's parked
// session when one exists, otherwise match the message against flow
// definitions and start a new session.
package trigger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/inboxflow/inboxflow/engine"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/metadata"
	"github.com/inboxflow/inboxflow/model"
	"github.com/inboxflow/inboxflow/persistence"
	"go.uber.org/zap"
)

type Service struct {
	meta     *metadata.Service
	sessions persistence.SessionStorage
	engine   *engine.Engine
}

func NewService(meta *metadata.Service, sessions persistence.SessionStorage, eng *engine.Engine) *Service {
	return &Service{meta: meta, sessions: sessions, engine: eng}
}

// HandleInbound is the single entry point for contact messages. An existing
// live session always wins over starting a new flow: mid-conversation replies
// must not spawn a second conversation.
func (s *Service) HandleInbound(ctx context.Context, event model.InboundEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	trig := model.InboundMessageTrigger(event.Text, event.MediaURL, event.Timestamp)

	live, err := s.sessions.FindActiveByContact(ctx, event.ContactId, event.ChannelInstanceId)
	if err != nil {
		return err
	}
	if target := mostRecentActive(live); target != nil {
		return s.engine.HandleTrigger(ctx, target.Id, trig)
	}

	def, err := s.matchDefinition(ctx, event)
	if err != nil {
		return err
	}
	if def == nil {
		logger.Debug("no flow matched inbound message",
			zap.String("contact", event.ContactId), zap.String("instance", event.ChannelInstanceId))
		return nil
	}

	if def.PauseOtherFlows {
		for i := range live {
			if live[i].Status == model.SESSION_PAUSED && live[i].DelayUntil == nil {
				continue
			}
			if err := s.engine.StopSession(ctx, live[i].Id); err != nil {
				logger.Error("pause competing session",
					zap.String("session", live[i].Id), zap.Error(err))
			}
		}
	}

	session, err := s.createSession(ctx, def, event)
	if err != nil {
		return err
	}
	logger.Info("session started",
		zap.String("session", session.Id),
		zap.String("flow", def.Id),
		zap.String("contact", event.ContactId))
	return s.engine.HandleTrigger(ctx, session.Id, trig)
}

// StartFlow launches a flow for a contact without keyword matching. This is
// the entry point for schedule-type flows, which never fire from inbound
// messages.
func (s *Service) StartFlow(ctx context.Context, flowId string, contactId string, channelInstanceId string) (*model.FlowSession, error) {
	def, err := s.meta.Get(ctx, flowId)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, persistence.StorageLayerError{Message: "flow is not active"}
	}
	if def.PauseOtherFlows {
		live, err := s.sessions.FindActiveByContact(ctx, contactId, channelInstanceId)
		if err != nil {
			return nil, err
		}
		for i := range live {
			if live[i].Status == model.SESSION_PAUSED && live[i].DelayUntil == nil {
				continue
			}
			if err := s.engine.StopSession(ctx, live[i].Id); err != nil {
				logger.Error("pause competing session",
					zap.String("session", live[i].Id), zap.Error(err))
			}
		}
	}
	event := model.InboundEvent{ContactId: contactId, ChannelInstanceId: channelInstanceId, Timestamp: time.Now()}
	session, err := s.createSession(ctx, def, event)
	if err != nil {
		return nil, err
	}
	if err := s.engine.HandleTrigger(ctx, session.Id, model.ManualResumeTrigger()); err != nil {
		return session, err
	}
	return session, nil
}

// matchDefinition picks the highest-priority active flow matching the event.
// Priority descending, flow name as the deterministic tiebreak.
func (s *Service) matchDefinition(ctx context.Context, event model.InboundEvent) (*model.FlowDefinition, error) {
	defs, err := s.meta.List(ctx)
	if err != nil {
		return nil, err
	}
	now := event.Timestamp
	var candidates []model.FlowDefinition
	for _, def := range defs {
		if !def.IsActive || def.TriggerType == model.TRIGGER_SCHEDULE {
			continue
		}
		if !def.MatchesInstance(event.ChannelInstanceId) {
			continue
		}
		if !def.ActiveHours.Within(now) {
			continue
		}
		if !def.MatchesKeyword(event.Text) {
			continue
		}
		candidates = append(candidates, def)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Name < candidates[j].Name
	})
	return &candidates[0], nil
}

func (s *Service) createSession(ctx context.Context, def *model.FlowDefinition, event model.InboundEvent) (*model.FlowSession, error) {
	now := time.Now()
	session := &model.FlowSession{
		Id:                uuid.NewString(),
		FlowId:            def.Id,
		ContactId:         event.ContactId,
		ChannelInstanceId: event.ChannelInstanceId,
		Owner:             def.Owner,
		Status:            model.SESSION_ACTIVE,
		StartedAt:         now,
		LastInteractionAt: now,
		Variables: map[string]any{
			"contactId":         event.ContactId,
			"channelInstanceId": event.ChannelInstanceId,
			"message":           event.Text,
		},
	}
	if err := s.sessions.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// mostRecentActive picks the session an inbound message belongs to. Sessions
// sleeping on a delay count: a mid-delay reply is part of the running
// conversation even though the engine ignores it. Only administratively
// stopped sessions are passed over.
func mostRecentActive(sessions []model.FlowSession) *model.FlowSession {
	var target *model.FlowSession
	for i := range sessions {
		s := &sessions[i]
		if s.Status != model.SESSION_ACTIVE && s.DelayUntil == nil {
			continue
		}
		if target == nil || s.LastInteractionAt.After(target.LastInteractionAt) {
			target = s
		}
	}
	return target
}
