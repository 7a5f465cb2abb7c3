package events

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/ws"
)

// Journal records deployment lifecycle events. Emit never fails the caller.
type Journal interface {
	Emit(ctx context.Context, event domain.DeploymentEvent)
}

// Publisher forwards payloads to other API replicas.
type Publisher interface {
	Publish(ctx context.Context, applicationID string, payload []byte) error
}

// Service handles journal persistence and streaming.
type Service struct {
	repo   repository.EventRepository
	hub    *ws.Hub
	relay  Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an events service. hub may be nil when nothing streams.
func New(repo repository.EventRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithRelay returns a copy of the service that also publishes to relay.
func (s Service) WithRelay(relay Publisher) Service {
	s.relay = relay
	return s
}

// Record stores and broadcasts an event.
func (s Service) Record(ctx context.Context, event domain.DeploymentEvent) (domain.DeploymentEvent, error) {
	if event.ID == "" {
		event.ID = domain.NewID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return event, err
	}
	s.broadcast(ctx, event)
	return event, nil
}

// Emit records an event and logs failures instead of returning them.
func (s Service) Emit(ctx context.Context, event domain.DeploymentEvent) {
	if _, err := s.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record deployment event",
			"application_id", event.ApplicationID,
			"deployment_id", event.DeploymentID,
			"type", event.Type,
			"error", err)
	}
}

// List returns an application's journal, newest first.
func (s Service) List(ctx context.Context, applicationID string, limit, offset int) ([]domain.DeploymentEvent, error) {
	return s.repo.ListEventsByApplication(ctx, applicationID, limit, offset)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(ctx context.Context, event domain.DeploymentEvent) {
	if s.hub == nil && s.relay == nil {
		return
	}
	data, err := MarshalEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "error", err)
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(event.ApplicationID, data)
	}
	if s.relay != nil {
		if err := s.relay.Publish(ctx, event.ApplicationID, data); err != nil {
			s.logger.Warn("failed to relay event", "application_id", event.ApplicationID, "error", err)
		}
	}
}

// MarshalEvent formats an event for streaming payloads.
func MarshalEvent(event domain.DeploymentEvent) ([]byte, error) {
	var metadata any
	if len(event.Metadata) > 0 {
		metadata = event.Metadata
	}
	payload := map[string]any{
		"id":             event.ID,
		"application_id": event.ApplicationID,
		"deployment_id":  event.DeploymentID,
		"type":           event.Type,
		"actor":          event.Actor,
		"message":        event.Message,
		"metadata":       metadata,
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}

// Metadata encodes key/value pairs for DeploymentEvent.Metadata, dropping empty values.
func Metadata(kv map[string]any) json.RawMessage {
	clean := make(map[string]any, len(kv))
	for k, v := range kv {
		switch value := v.(type) {
		case nil:
			continue
		case string:
			if value == "" {
				continue
			}
		case *string:
			if value == nil {
				continue
			}
			v = *value
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		return nil
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return data
}

// Discard is a Journal that drops every event.
type Discard struct{}

// Emit implements Journal.
func (Discard) Emit(context.Context, domain.DeploymentEvent) {}
