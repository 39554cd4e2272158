package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

const channelPrefix = "upload:events:"

// envelope wraps an event on the wire with its origin instance, so an
// instance ignores its own messages when they come back around.
type envelope struct {
	Instance string                 `json:"instance"`
	Event    models.TransitionEvent `json:"event"`
}

// RedisBridge extends the in-process hub across service instances: local
// events are published to a per-session Redis channel, remote events are fed
// into the local hub. A subscriber connected to any instance sees the full
// event stream of its session.
type RedisBridge struct {
	client     *redis.Client
	hub        *Hub
	instanceID string
	logger     logging.Logger
}

func NewRedisBridge(client *redis.Client, hub *Hub, logger logging.Logger) *RedisBridge {
	return &RedisBridge{
		client:     client,
		hub:        hub,
		instanceID: uuid.NewString(),
		logger:     logger.With("module", "broadcast_bridge"),
	}
}

// Publish fans out locally and mirrors the event to Redis.
func (b *RedisBridge) Publish(ctx context.Context, event models.TransitionEvent) {
	b.hub.Publish(ctx, event)

	payload, err := json.Marshal(envelope{Instance: b.instanceID, Event: event})
	if err != nil {
		b.logger.Error(ctx, "cannot marshal event", "error", err)
		return
	}
	if err := b.client.Publish(ctx, channelPrefix+event.SessionID, payload).Err(); err != nil {
		b.logger.Warn(ctx, "cannot mirror event to redis", "sessionID", event.SessionID, "error", err)
	}
}

// Run consumes remote events until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			b.deliver(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn(ctx, "dropping malformed event", "error", err)
		return
	}
	if env.Instance == b.instanceID {
		return
	}
	b.hub.Publish(ctx, env.Event)
}
