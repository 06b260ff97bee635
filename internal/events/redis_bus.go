package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes envelopes to Redis Pub/Sub, one channel per event type.
type RedisBus struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, clock: time.Now}
}

func (b *RedisBus) Publish(ctx context.Context, event IntegrationEvent) error {
	if event == nil {
		return fmt.Errorf("publish: nil event: %w", ErrInvalidArgument)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Poison("failed to marshal event", err)
	}

	env := Envelope{
		EventType:  event.EventType(),
		FullType:   FullName(event),
		Module:     event.Module(),
		OccurredAt: NewTimestamp(b.clock()),
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Poison("failed to marshal envelope", err)
	}

	if err := b.client.Publish(ctx, ChannelFor(env.FullType), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", env.FullType, err)
	}
	return nil
}
