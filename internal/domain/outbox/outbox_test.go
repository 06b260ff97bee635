package outbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMessage() *OutboxMessage {
	return NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":42}`, t0)
}

func TestNewMessageDefaults(t *testing.T) {
	m := newTestMessage()

	assert.Equal(t, DefaultMaxRetries, m.MaxRetries)
	assert.Equal(t, 1, m.SchemaVersion)
	assert.Equal(t, StatePending, m.State(t0))
	assert.True(t, m.ShouldRetry(t0))
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	m := newTestMessage()
	m.Claim("worker-1", t0.Add(time.Minute))

	m.MarkProcessed(t0)
	first := m.Clone()
	m.MarkProcessed(t0.Add(time.Hour))

	assert.Equal(t, first, m)
	assert.Equal(t, t0, *m.ProcessedOn)
	assert.Nil(t, m.LeaseOwner)
	assert.Equal(t, StateProcessed, m.State(t0))
	assert.False(t, m.ShouldRetry(t0.Add(time.Hour)))
}

func TestMarkFailedTransientSchedulesBackoff(t *testing.T) {
	m := newTestMessage()

	m.MarkFailed("connection refused", false, t0)

	require.NotNil(t, m.NextRetryAt)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, t0.Add(2*time.Minute), *m.NextRetryAt)
	assert.Nil(t, m.MovedToDlqAt)
	assert.Equal(t, "connection refused", *m.Error)
	assert.Equal(t, StateAwaitingRetry, m.State(t0))
	assert.False(t, m.ShouldRetry(t0.Add(time.Minute)))
	assert.True(t, m.ShouldRetry(t0.Add(2*time.Minute)))
}

func TestMarkFailedPoisonGoesStraightToDlq(t *testing.T) {
	m := newTestMessage()

	m.MarkFailed("Empty outbox content", true, t0)

	assert.True(t, m.IsPoisonMessage)
	require.NotNil(t, m.MovedToDlqAt)
	require.NotNil(t, m.PoisonedAt)
	assert.Equal(t, "Empty outbox content", *m.DlqReason)
	assert.Equal(t, 1, m.RetryCount)
	assert.Nil(t, m.NextRetryAt)
	assert.Equal(t, StateInDlq, m.State(t0))
}

func TestRetryBoundMovesToDlq(t *testing.T) {
	m := newTestMessage()
	now := t0

	for i := 0; i < m.MaxRetries; i++ {
		if m.MovedToDlqAt == nil {
			assert.LessOrEqual(t, m.RetryCount, m.MaxRetries)
		}
		m.MarkFailed("boom", false, now)
		now = now.Add(2 * time.Hour)
	}

	assert.Equal(t, 3, m.RetryCount)
	require.NotNil(t, m.DlqReason)
	assert.Equal(t, ReasonMaxRetriesExceeded, *m.DlqReason)
	assert.False(t, m.IsPoisonMessage)
	assert.True(t, m.IsInDlq())
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	m := newTestMessage()
	m.MaxRetries = 20
	now := t0
	var prev time.Duration

	for i := 0; i < 12; i++ {
		m.MarkFailed("boom", false, now)
		require.NotNil(t, m.NextRetryAt)
		gap := m.NextRetryAt.Sub(now)
		assert.GreaterOrEqual(t, gap, prev)
		assert.LessOrEqual(t, gap, MaxBackoff)
		prev = gap
		now = *m.NextRetryAt
	}
	assert.Equal(t, MaxBackoff, prev)
}

func TestBackoffFor(t *testing.T) {
	assert.Equal(t, time.Minute, BackoffFor(0))
	assert.Equal(t, 2*time.Minute, BackoffFor(1))
	assert.Equal(t, 32*time.Minute, BackoffFor(5))
	assert.Equal(t, MaxBackoff, BackoffFor(6))
	assert.Equal(t, MaxBackoff, BackoffFor(40))
}

func TestResetForRetryClearsDlqState(t *testing.T) {
	m := newTestMessage()
	m.MarkFailed("bad payload", true, t0)
	require.True(t, m.IsInDlq())

	m.ResetForRetry()

	assert.Zero(t, m.RetryCount)
	assert.False(t, m.IsPoisonMessage)
	assert.Nil(t, m.PoisonedAt)
	assert.Nil(t, m.MovedToDlqAt)
	assert.Nil(t, m.DlqReason)
	assert.Nil(t, m.Error)
	assert.Nil(t, m.FailureReason)
	assert.Nil(t, m.NextRetryAt)
	assert.True(t, m.ShouldRetry(t0))
}

func TestResetForRetryIsOnlyWayOutOfProcessed(t *testing.T) {
	m := newTestMessage()
	m.MarkProcessed(t0)

	m.MarkProcessed(t0.Add(time.Minute))
	assert.Equal(t, StateProcessed, m.State(t0))

	m.ResetForRetry()
	assert.Nil(t, m.ProcessedOn)
	assert.Equal(t, StatePending, m.State(t0))
}

func TestMarkPermanentlyFailedIsIdempotent(t *testing.T) {
	m := newTestMessage()

	m.MarkPermanentlyFailed("manual", t0)
	first := m.Clone()
	m.MarkPermanentlyFailed("again", t0.Add(time.Hour))

	assert.Equal(t, first, m)
	assert.Equal(t, "manual", *m.DlqReason)
	assert.Equal(t, t0, *m.PoisonedAt)
}

func TestMarkPermanentlyFailedKeepsDlqEntry(t *testing.T) {
	m := newTestMessage()
	for !m.IsInDlq() {
		m.MarkFailed("boom", false, t0)
	}
	enteredAt := *m.MovedToDlqAt

	m.MarkPermanentlyFailed("operator decision", t0.Add(48*time.Hour))

	assert.True(t, m.IsPoisonMessage)
	assert.Equal(t, t0.Add(48*time.Hour), *m.PoisonedAt)
	assert.Equal(t, enteredAt, *m.MovedToDlqAt)
	assert.Equal(t, ReasonMaxRetriesExceeded, *m.DlqReason)
	assert.Equal(t, "operator decision", *m.FailureReason)
	assert.Equal(t, StateInDlq, m.State(t0))
}

func TestLease(t *testing.T) {
	m := newTestMessage()
	m.Claim("worker-1", t0.Add(time.Minute))

	assert.True(t, m.LeaseActive(t0))
	assert.False(t, m.LeaseActive(t0.Add(time.Minute)))

	m.MarkFailed("boom", false, t0)
	assert.False(t, m.LeaseActive(t0))
}

func TestCloneDoesNotAlias(t *testing.T) {
	m := newTestMessage()
	m.MarkFailed("boom", false, t0)

	c := m.Clone()
	*c.Error = "changed"
	c.NextRetryAt = nil

	assert.Equal(t, "boom", *m.Error)
	assert.NotNil(t, m.NextRetryAt)
}

func TestSanitizeReason(t *testing.T) {
	out := SanitizeReason("dial postgres://app:hunter2@db:5432 failed, password=abc")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc")

	long := SanitizeReason(strings.Repeat("x", 2000))
	assert.Len(t, []rune(long), maxReasonLength)
	assert.True(t, strings.HasSuffix(long, truncatedSuffix))
}
