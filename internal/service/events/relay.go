package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/deploygate/internal/ws"
)

// RedisRelay shares event payloads between API replicas over a pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *ws.Hub
	logger  *slog.Logger
}

type envelope struct {
	Origin        string          `json:"origin"`
	ApplicationID string          `json:"application_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewRedisRelay connects to Redis and returns a relay feeding hub.
func NewRedisRelay(ctx context.Context, addr, password string, db int, channel string, hub *ws.Hub, logger *slog.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  logger.With("component", "event_relay"),
	}, nil
}

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, applicationID string, payload []byte) error {
	data, err := encodeEnvelope(r.origin, applicationID, payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Run forwards payloads published by other replicas to the local hub until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("event relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event relay channel closed")
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("discarding malformed relay message", "error", err)
				continue
			}
			if env.Origin == r.origin || r.hub == nil {
				continue
			}
			r.hub.Broadcast(env.ApplicationID, env.Payload)
		}
	}
}

// Close releases the Redis connection.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func encodeEnvelope(origin, applicationID string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, errors.New("relay payload is not valid json")
	}
	return json.Marshal(envelope{Origin: origin, ApplicationID: applicationID, Payload: payload})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	if env.ApplicationID == "" {
		return envelope{}, errors.New("relay message without application_id")
	}
	return env, nil
}
