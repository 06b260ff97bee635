package outbox

import (
	"context"
	"testing"
	"time"

	"relaybox/internal/domain/outbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func processedMessage(at time.Time) *outbox.OutboxMessage {
	m := outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":1}`, at.Add(-time.Minute))
	m.MarkProcessed(at)
	return m
}

func (f *fixture) cleanupService(cfg CleanupConfig) (*CleanupService, *[]time.Duration) {
	s := NewCleanupService(f.store, cfg, nil)
	s.clock = f.clock.Now
	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return s, &sleeps
}

func TestCleanupProcessedRespectsRetention(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	old := processedMessage(now.Add(-8 * day))
	recent := processedMessage(now.Add(-6 * day))
	pending := outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":2}`, now.Add(-30*day))
	f.insert(old, recent, pending)
	svc, _ := f.cleanupService(CleanupConfig{ProcessedRetentionDays: 7})

	deleted, err := svc.CleanupProcessedMessages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, deleted)
	assert.Equal(t, 2, f.store.Len())
	f.get(t, recent)
	f.get(t, pending)
}

func TestCleanupKeepsMessageExactlyAtCutoff(t *testing.T) {
	f := newFixture(t)
	boundary := processedMessage(f.clock.Now().Add(-7 * day))
	f.insert(boundary)
	svc, _ := f.cleanupService(CleanupConfig{ProcessedRetentionDays: 7})

	deleted, err := svc.CleanupProcessedMessages(context.Background())
	require.NoError(t, err)

	assert.Zero(t, deleted)
	assert.Equal(t, 1, f.store.Len())
}

func TestCleanupDeletesInBatches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.insert(processedMessage(f.clock.Now().Add(-10*day - time.Duration(i)*time.Hour)))
	}
	svc, sleeps := f.cleanupService(CleanupConfig{ProcessedRetentionDays: 7, BatchSize: 2, BatchDelay: 100 * time.Millisecond})

	deleted, err := svc.CleanupProcessedMessages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, deleted)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, *sleeps)
}

func TestCleanupFailedUsesDlqTimestamp(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	old := exhaustedMessage(now.Add(-31 * day))
	recent := poisonMessage(now.Add(-29 * day))
	processed := processedMessage(now.Add(-60 * day))
	f.insert(old, recent, processed)
	svc, _ := f.cleanupService(CleanupConfig{FailedRetentionDays: 30})

	deleted, err := svc.CleanupFailedMessages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, deleted)
	f.get(t, recent)
	f.get(t, processed)
}

func TestRunFullCleanup(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	f.insert(
		processedMessage(now.Add(-8*day)),
		processedMessage(now.Add(-9*day)),
		exhaustedMessage(now.Add(-45*day)),
		processedMessage(now.Add(-time.Hour)),
	)
	svc, _ := f.cleanupService(DefaultCleanupConfig())

	result, err := svc.RunFullCleanup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.ProcessedDeleted)
	assert.Equal(t, 1, result.FailedDeleted)
	assert.Equal(t, 3, result.TotalDeleted)
	assert.Equal(t, 1, f.store.Len())
}
