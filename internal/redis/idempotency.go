package redis

import (
	"context"
	"time"

	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Idempotency key pattern:
// - idempotency:{key} - aggregate id (or "-"), TTL from IdempotencyConfig

type IdempotencyConfig struct {
	Prefix string
	TTL    time.Duration
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{Prefix: "idempotency:", TTL: 7 * 24 * time.Hour}
}

// IdempotencyLedger records processed idempotency keys with SET NX.
type IdempotencyLedger struct {
	client *goredis.Client
	config IdempotencyConfig
}

func NewIdempotencyLedger(client *goredis.Client, config IdempotencyConfig) *IdempotencyLedger {
	if config.Prefix == "" {
		config.Prefix = DefaultIdempotencyConfig().Prefix
	}
	return &IdempotencyLedger{client: client, config: config}
}

// MarkEventProcessed stores key if absent. An existing key is not an error.
func (l *IdempotencyLedger) MarkEventProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) error {
	if key == "" {
		return relaybox_errors.ErrInvalidInput
	}
	value := "-"
	if aggregateID != nil {
		value = aggregateID.String()
	}
	return l.client.SetNX(ctx, l.config.Prefix+key, value, l.config.TTL).Err()
}

func (l *IdempotencyLedger) HasProcessed(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.config.Prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
