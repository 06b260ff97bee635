package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSubscriber decodes envelopes from RedisBus channels and hands them to an in-process bus.
type RedisSubscriber struct {
	client   *redis.Client
	registry *Registry
	target   Bus
	onError  func(channel string, err error)
}

func NewRedisSubscriber(client *redis.Client, registry *Registry, target Bus, onError func(channel string, err error)) *RedisSubscriber {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &RedisSubscriber{client: client, registry: registry, target: target, onError: onError}
}

// Run subscribes to the given full type names and blocks until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context, fullTypeNames ...string) error {
	channels := make([]string, 0, len(fullTypeNames))
	for _, name := range fullTypeNames {
		channels = append(channels, ChannelFor(name))
	}

	pubsub := s.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.dispatch(ctx, []byte(msg.Payload)); err != nil {
				s.onError(msg.Channel, err)
			}
		}
	}
}

func (s *RedisSubscriber) dispatch(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Poison("invalid envelope", err)
	}
	desc, err := s.registry.Resolve(env.FullType, env.Module, env.EventType)
	if err != nil {
		return err
	}
	ev, err := desc.Decode(env.Payload)
	if err != nil {
		return err
	}
	return s.target.Publish(ctx, ev)
}
