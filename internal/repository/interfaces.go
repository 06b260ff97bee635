package repository

import (
	"context"
	"time"

	"relaybox/internal/domain/outbox"

	"github.com/google/uuid"
)

// OutboxRepository is the durable store for outbox messages.
type OutboxRepository interface {
	// Add appends msg inside the caller's transaction. A nil tx is rejected.
	Add(ctx context.Context, tx DBTX, msg *outbox.OutboxMessage) error
	AddRange(ctx context.Context, tx DBTX, msgs []*outbox.OutboxMessage) error
	WithTx(ctx context.Context, fn func(tx DBTX) error) error

	GetByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error)
	Update(ctx context.Context, msg *outbox.OutboxMessage) error
	DeleteMessages(ctx context.Context, ids []uuid.UUID) (int, error)

	// GetUnprocessedMessages returns dispatch-eligible messages oldest first, without claiming them.
	GetUnprocessedMessages(ctx context.Context, limit int) ([]*outbox.OutboxMessage, error)
	// ClaimUnprocessedMessages leases up to limit eligible messages to owner for the given duration.
	ClaimUnprocessedMessages(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.OutboxMessage, error)

	GetDlqMessages(ctx context.Context) ([]*outbox.OutboxMessage, error)
	GetDlqMessagesOlderThan(ctx context.Context, cutoff time.Time) ([]*outbox.OutboxMessage, error)
	GetProcessedMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error)
	GetFailedMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error)

	GetUnprocessedMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error)
	GetFailedMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error)
	GetDlqMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error)
}

// IdempotencyLedger records which idempotency keys downstream consumers have already seen.
type IdempotencyLedger interface {
	MarkEventProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) error
	HasProcessed(ctx context.Context, key string) (bool, error)
}

// UserDirectory answers identity-side existence checks.
type UserDirectory interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
}

// MemberDirectory answers membership-side existence checks.
type MemberDirectory interface {
	MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error)
	MemberExistsForUser(ctx context.Context, userID uuid.UUID) (bool, error)
	IsLinked(ctx context.Context, userID, memberID uuid.UUID) (bool, error)
}

// AggregateLinker repairs a missing user to member link directly.
type AggregateLinker interface {
	Link(ctx context.Context, userID, memberID uuid.UUID) error
}
