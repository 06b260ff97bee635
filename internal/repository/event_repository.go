package repository

import (
	"context"
	"errors"
	"time"

	"relaybox/internal/domain/outbox"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresIdempotencyLedger keeps processed idempotency keys in the processed_events table.
type PostgresIdempotencyLedger struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewIdempotencyLedger(db *gorm.DB) *PostgresIdempotencyLedger {
	return &PostgresIdempotencyLedger{db: db, clock: time.Now}
}

// MarkEventProcessed inserts key once. Recording an existing key succeeds.
func (l *PostgresIdempotencyLedger) MarkEventProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) error {
	if key == "" {
		return relaybox_errors.ErrInvalidInput
	}
	row := outbox.ProcessedEvent{
		IdempotencyKey: key,
		AggregateID:    aggregateID,
		ProcessedAt:    l.clock().UTC(),
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return err
	}
	return nil
}

func (l *PostgresIdempotencyLedger) HasProcessed(ctx context.Context, key string) (bool, error) {
	var row outbox.ProcessedEvent
	err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
