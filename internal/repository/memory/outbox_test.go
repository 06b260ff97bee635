package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/repository"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func msgAt(occurred time.Time) *outbox.OutboxMessage {
	return outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":1}`, occurred)
}

func TestAddRequiresTransaction(t *testing.T) {
	s := NewOutboxStore()

	err := s.Add(context.Background(), nil, msgAt(now))
	assert.ErrorIs(t, err, relaybox_errors.ErrTransactionRequired)

	other := NewOutboxStore().Begin()
	err = s.Add(context.Background(), other, msgAt(now))
	assert.ErrorIs(t, err, relaybox_errors.ErrTransactionRequired)
	assert.Zero(t, s.Len())
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx repository.DBTX) error {
		return s.AddRange(ctx, tx, []*outbox.OutboxMessage{msgAt(now), msgAt(now)})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	boom := errors.New("domain write failed")
	err = s.WithTx(ctx, func(tx repository.DBTX) error {
		require.NoError(t, s.Add(ctx, tx, msgAt(now)))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, s.Len())
}

func TestClaimLeasesDisjointBatches(t *testing.T) {
	s := NewOutboxStore(WithClock(fixedClock))
	for i := 0; i < 5; i++ {
		s.Insert(msgAt(now.Add(time.Duration(i) * time.Second)))
	}
	ctx := context.Background()

	first, err := s.ClaimUnprocessedMessages(ctx, "worker-a", 3, time.Minute)
	require.NoError(t, err)
	second, err := s.ClaimUnprocessedMessages(ctx, "worker-b", 3, time.Minute)
	require.NoError(t, err)

	require.Len(t, first, 3)
	require.Len(t, second, 2)
	seen := map[uuid.UUID]bool{}
	for _, m := range append(first, second...) {
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
	assert.Equal(t, "worker-a", *first[0].LeaseOwner)
	assert.True(t, first[0].OccurredOn.Before(first[1].OccurredOn))

	third, err := s.ClaimUnprocessedMessages(ctx, "worker-c", 3, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	current := now
	s := NewOutboxStore(WithClock(func() time.Time { return current }))
	s.Insert(msgAt(now))
	ctx := context.Background()

	_, err := s.ClaimUnprocessedMessages(ctx, "worker-a", 10, time.Minute)
	require.NoError(t, err)

	current = now.Add(time.Minute)
	again, err := s.ClaimUnprocessedMessages(ctx, "worker-b", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "worker-b", *again[0].LeaseOwner)
}

func TestUnprocessedSkipsBackoffAndTerminal(t *testing.T) {
	s := NewOutboxStore(WithClock(fixedClock))
	waiting := msgAt(now)
	waiting.MarkFailed("boom", false, now)
	processed := msgAt(now)
	processed.MarkProcessed(now)
	poisoned := msgAt(now)
	poisoned.MarkFailed("bad", true, now)
	ready := msgAt(now)
	s.Insert(waiting, processed, poisoned, ready)

	got, err := s.GetUnprocessedMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ready.ID, got[0].ID)
}

func TestRetentionQueriesUseStrictCutoff(t *testing.T) {
	s := NewOutboxStore()
	cutoff := now.Add(-7 * 24 * time.Hour)

	atCutoff := msgAt(cutoff)
	atCutoff.MarkProcessed(cutoff)
	older := msgAt(cutoff)
	older.MarkProcessed(cutoff.Add(-time.Microsecond))
	s.Insert(atCutoff, older)

	got, err := s.GetProcessedMessagesOlderThan(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, older.ID, got[0].ID)
}

func TestTypeQueries(t *testing.T) {
	s := NewOutboxStore()
	failed := outbox.NewMessage("UserCreated", "identity.UserCreated", "identity", `{}`, now)
	failed.MarkFailed("boom", false, now)
	pending := outbox.NewMessage("UserCreated", "identity.UserCreated", "identity", `{}`, now)
	dlq := outbox.NewMessage("UserCreated", "identity.UserCreated", "identity", `{}`, now)
	dlq.MarkFailed("bad", true, now)
	other := msgAt(now)
	s.Insert(failed, pending, dlq, other)
	ctx := context.Background()

	got, err := s.GetFailedMessagesByType(ctx, "identity.UserCreated")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ID, got[0].ID)

	got, err = s.GetUnprocessedMessagesByType(ctx, "UserCreated")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetDlqMessagesByType(ctx, "identity.UserCreated")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dlq.ID, got[0].ID)
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewOutboxStore()
	m := msgAt(now)
	s.Insert(m)

	got, err := s.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	got.MarkProcessed(now)

	again, err := s.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, again.ProcessedOn)

	_, err = s.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, relaybox_errors.ErrNotFound)
}

func TestDeleteMessagesCountsOnlyExisting(t *testing.T) {
	s := NewOutboxStore()
	m := msgAt(now)
	s.Insert(m)

	n, err := s.DeleteMessages(context.Background(), []uuid.UUID{m.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, s.Len())
}
