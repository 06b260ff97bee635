package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybox/internal/domain/outbox"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dlqCondition       = "(moved_to_dlq_at IS NOT NULL OR is_poison_message = TRUE)"
	notDlqCondition    = "moved_to_dlq_at IS NULL AND is_poison_message = FALSE"
	typeCondition      = "(full_type_name = ? OR event_type_name = ?)"
	eligibleConditions = "processed_on IS NULL AND " + notDlqCondition +
		" AND retry_count < max_retries" +
		" AND (next_retry_at IS NULL OR next_retry_at <= ?)" +
		" AND (leased_until IS NULL OR leased_until <= ?)"
)

// PostgresOutboxRepository stores outbox messages through GORM.
type PostgresOutboxRepository struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewOutboxRepository(db *gorm.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db, clock: time.Now}
}

func (r *PostgresOutboxRepository) WithTx(ctx context.Context, fn func(tx DBTX) error) error {
	return WithTx(ctx, r.db, fn)
}

func (r *PostgresOutboxRepository) Add(ctx context.Context, tx DBTX, msg *outbox.OutboxMessage) error {
	db, err := gormTx(tx)
	if err != nil {
		return err
	}
	if msg == nil {
		return relaybox_errors.ErrInvalidInput
	}
	if err := db.WithContext(ctx).Create(msg).Error; err != nil {
		if isUniqueViolation(err) {
			return relaybox_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresOutboxRepository) AddRange(ctx context.Context, tx DBTX, msgs []*outbox.OutboxMessage) error {
	db, err := gormTx(tx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := db.WithContext(ctx).Create(&msgs).Error; err != nil {
		if isUniqueViolation(err) {
			return relaybox_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresOutboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	var m outbox.OutboxMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, relaybox_errors.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *PostgresOutboxRepository) Update(ctx context.Context, msg *outbox.OutboxMessage) error {
	res := r.db.WithContext(ctx).Model(msg).Select("*").Updates(msg)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relaybox_errors.ErrNotFound
	}
	return nil
}

func (r *PostgresOutboxRepository) DeleteMessages(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&outbox.OutboxMessage{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (r *PostgresOutboxRepository) GetUnprocessedMessages(ctx context.Context, limit int) ([]*outbox.OutboxMessage, error) {
	now := r.clock().UTC()
	q := r.db.WithContext(ctx).Where(eligibleConditions, now, now).Order("occurred_on ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return find(q)
}

// ClaimUnprocessedMessages selects eligible rows with FOR UPDATE SKIP LOCKED and stamps the lease
// in the same transaction, so concurrent workers receive disjoint batches.
func (r *PostgresOutboxRepository) ClaimUnprocessedMessages(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.OutboxMessage, error) {
	if owner == "" || limit <= 0 || lease <= 0 {
		return nil, fmt.Errorf("claim: owner, limit and lease are required: %w", relaybox_errors.ErrInvalidInput)
	}

	var claimed []*outbox.OutboxMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock().UTC()
		var msgs []*outbox.OutboxMessage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(eligibleConditions, now, now).
			Order("occurred_on ASC").
			Limit(limit).
			Find(&msgs).Error
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		until := now.Add(lease)
		ids := make([]uuid.UUID, 0, len(msgs))
		for _, m := range msgs {
			m.Claim(owner, until)
			ids = append(ids, m.ID)
		}
		err = tx.Model(&outbox.OutboxMessage{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"lease_owner":  owner,
				"leased_until": until,
			}).Error
		if err != nil {
			return err
		}
		claimed = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *PostgresOutboxRepository) GetDlqMessages(ctx context.Context) ([]*outbox.OutboxMessage, error) {
	return find(r.db.WithContext(ctx).Where(dlqCondition).Order("moved_to_dlq_at ASC"))
}

func (r *PostgresOutboxRepository) GetDlqMessagesOlderThan(ctx context.Context, cutoff time.Time) ([]*outbox.OutboxMessage, error) {
	return find(r.db.WithContext(ctx).
		Where(dlqCondition+" AND moved_to_dlq_at < ?", cutoff.UTC()).
		Order("moved_to_dlq_at ASC"))
}

func (r *PostgresOutboxRepository) GetProcessedMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error) {
	q := r.db.WithContext(ctx).
		Where("processed_on IS NOT NULL AND processed_on < ?", cutoff.UTC()).
		Order("processed_on ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return find(q)
}

func (r *PostgresOutboxRepository) GetFailedMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error) {
	q := r.db.WithContext(ctx).
		Where(dlqCondition+" AND moved_to_dlq_at < ?", cutoff.UTC()).
		Order("moved_to_dlq_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return find(q)
}

func (r *PostgresOutboxRepository) GetUnprocessedMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	return find(r.db.WithContext(ctx).
		Where("processed_on IS NULL AND "+notDlqCondition+" AND "+typeCondition, typeName, typeName).
		Order("occurred_on ASC"))
}

func (r *PostgresOutboxRepository) GetFailedMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	return find(r.db.WithContext(ctx).
		Where("processed_on IS NULL AND retry_count > 0 AND "+notDlqCondition+" AND "+typeCondition, typeName, typeName).
		Order("occurred_on ASC"))
}

func (r *PostgresOutboxRepository) GetDlqMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	return find(r.db.WithContext(ctx).
		Where(dlqCondition+" AND "+typeCondition, typeName, typeName).
		Order("moved_to_dlq_at ASC"))
}

func find(q *gorm.DB) ([]*outbox.OutboxMessage, error) {
	var msgs []*outbox.OutboxMessage
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
