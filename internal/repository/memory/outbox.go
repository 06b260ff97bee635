package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/repository"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
)

// OutboxStore is an in-process OutboxRepository. Reads return copies.
type OutboxStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*outbox.OutboxMessage
	clock    func() time.Time
}

type Option func(*OutboxStore)

func WithClock(clock func() time.Time) Option {
	return func(s *OutboxStore) { s.clock = clock }
}

func NewOutboxStore(opts ...Option) *OutboxStore {
	s := &OutboxStore{
		messages: make(map[uuid.UUID]*outbox.OutboxMessage),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tx buffers writes until WithTx commits them.
type Tx struct {
	store   *OutboxStore
	pending []*outbox.OutboxMessage
	closed  bool
}

func (s *OutboxStore) Begin() *Tx {
	return &Tx{store: s}
}

func (tx *Tx) Commit() error {
	if tx.closed {
		return fmt.Errorf("memory tx already closed: %w", relaybox_errors.ErrConflict)
	}
	tx.closed = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range tx.pending {
		if _, exists := s.messages[m.ID]; exists {
			return relaybox_errors.ErrAlreadyExists
		}
	}
	for _, m := range tx.pending {
		s.messages[m.ID] = m
	}
	return nil
}

func (tx *Tx) Rollback() {
	tx.closed = true
	tx.pending = nil
}

func (s *OutboxStore) WithTx(ctx context.Context, fn func(tx repository.DBTX) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *OutboxStore) tx(dbtx repository.DBTX) (*Tx, error) {
	tx, ok := dbtx.(*Tx)
	if !ok || tx == nil || tx.store != s || tx.closed {
		return nil, relaybox_errors.ErrTransactionRequired
	}
	return tx, nil
}

func (s *OutboxStore) Add(ctx context.Context, dbtx repository.DBTX, msg *outbox.OutboxMessage) error {
	return s.AddRange(ctx, dbtx, []*outbox.OutboxMessage{msg})
}

func (s *OutboxStore) AddRange(ctx context.Context, dbtx repository.DBTX, msgs []*outbox.OutboxMessage) error {
	tx, err := s.tx(dbtx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, m := range msgs {
		if m == nil {
			return relaybox_errors.ErrInvalidInput
		}
		tx.pending = append(tx.pending, m.Clone())
	}
	return nil
}

// Insert stores messages directly, bypassing transactions. Used to seed fixtures.
func (s *OutboxStore) Insert(msgs ...*outbox.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m.Clone()
	}
}

func (s *OutboxStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *OutboxStore) GetByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, relaybox_errors.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *OutboxStore) Update(ctx context.Context, msg *outbox.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return relaybox_errors.ErrNotFound
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *OutboxStore) DeleteMessages(ctx context.Context, ids []uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, ok := s.messages[id]; ok {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *OutboxStore) GetUnprocessedMessages(ctx context.Context, limit int) ([]*outbox.OutboxMessage, error) {
	now := s.clock()
	return s.query(ctx, limit, byOccurredOn, func(m *outbox.OutboxMessage) bool {
		return eligible(m, now)
	})
}

func (s *OutboxStore) ClaimUnprocessedMessages(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.OutboxMessage, error) {
	if owner == "" || limit <= 0 || lease <= 0 {
		return nil, fmt.Errorf("claim: owner, limit and lease are required: %w", relaybox_errors.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var candidates []*outbox.OutboxMessage
	for _, m := range s.messages {
		if eligible(m, now) {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return byOccurredOn(candidates[i], candidates[j]) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	until := now.Add(lease)
	out := make([]*outbox.OutboxMessage, 0, len(candidates))
	for _, m := range candidates {
		m.Claim(owner, until)
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *OutboxStore) GetDlqMessages(ctx context.Context) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, 0, byMovedToDlq, func(m *outbox.OutboxMessage) bool {
		return m.IsInDlq()
	})
}

func (s *OutboxStore) GetDlqMessagesOlderThan(ctx context.Context, cutoff time.Time) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, 0, byMovedToDlq, func(m *outbox.OutboxMessage) bool {
		return m.IsInDlq() && m.MovedToDlqAt != nil && m.MovedToDlqAt.Before(cutoff)
	})
}

func (s *OutboxStore) GetProcessedMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, limit, byProcessedOn, func(m *outbox.OutboxMessage) bool {
		return m.ProcessedOn != nil && m.ProcessedOn.Before(cutoff)
	})
}

func (s *OutboxStore) GetFailedMessagesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, limit, byMovedToDlq, func(m *outbox.OutboxMessage) bool {
		return m.IsInDlq() && m.MovedToDlqAt != nil && m.MovedToDlqAt.Before(cutoff)
	})
}

func (s *OutboxStore) GetUnprocessedMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, 0, byOccurredOn, func(m *outbox.OutboxMessage) bool {
		return matchesType(m, typeName) && !m.IsProcessed() && !m.IsInDlq()
	})
}

func (s *OutboxStore) GetFailedMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, 0, byOccurredOn, func(m *outbox.OutboxMessage) bool {
		return matchesType(m, typeName) && !m.IsProcessed() && !m.IsInDlq() && m.RetryCount > 0
	})
}

func (s *OutboxStore) GetDlqMessagesByType(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	return s.query(ctx, 0, byMovedToDlq, func(m *outbox.OutboxMessage) bool {
		return matchesType(m, typeName) && m.IsInDlq()
	})
}

func (s *OutboxStore) query(ctx context.Context, limit int, less func(a, b *outbox.OutboxMessage) bool, match func(*outbox.OutboxMessage) bool) ([]*outbox.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*outbox.OutboxMessage
	for _, m := range s.messages {
		if match(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func eligible(m *outbox.OutboxMessage, now time.Time) bool {
	return m.ShouldRetry(now) && !m.LeaseActive(now)
}

func matchesType(m *outbox.OutboxMessage, typeName string) bool {
	return m.FullTypeName == typeName || m.EventTypeName == typeName
}

func byOccurredOn(a, b *outbox.OutboxMessage) bool {
	if !a.OccurredOn.Equal(b.OccurredOn) {
		return a.OccurredOn.Before(b.OccurredOn)
	}
	return a.ID.String() < b.ID.String()
}

func byProcessedOn(a, b *outbox.OutboxMessage) bool {
	return timeLess(a.ProcessedOn, b.ProcessedOn, a, b)
}

func byMovedToDlq(a, b *outbox.OutboxMessage) bool {
	return timeLess(a.MovedToDlqAt, b.MovedToDlqAt, a, b)
}

func timeLess(x, y *time.Time, a, b *outbox.OutboxMessage) bool {
	switch {
	case x == nil && y == nil:
		return byOccurredOn(a, b)
	case x == nil:
		return false
	case y == nil:
		return true
	case !x.Equal(*y):
		return x.Before(*y)
	default:
		return byOccurredOn(a, b)
	}
}
