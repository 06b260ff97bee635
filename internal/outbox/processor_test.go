package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/events"
	"relaybox/internal/events/contracts/ordering"
	"relaybox/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchPublishesDecodedEvent(t *testing.T) {
	f := newFixture(t)
	m := f.publish(t, ordering.OrderCreated{ID: 42})

	result, err := f.processor().ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, []events.IntegrationEvent{ordering.OrderCreated{ID: 42}}, f.bus.Published())

	stored := f.get(t, m)
	require.NotNil(t, stored.ProcessedOn)
	assert.Nil(t, stored.LeaseOwner)

	again, err := f.processor().ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Claimed)
	assert.Len(t, f.bus.Published(), 1)
}

func TestDispatchEmptyContentIsPoison(t *testing.T) {
	f := newFixture(t)
	m := outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", "", f.clock.Now())
	f.insert(m)

	result, err := f.processor().ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Poisoned)

	stored := f.get(t, m)
	assert.True(t, stored.IsPoisonMessage)
	require.NotNil(t, stored.MovedToDlqAt)
	assert.Contains(t, *stored.DlqReason, "Empty outbox content")
	assert.Empty(t, f.bus.Published())
}

func TestDispatchNullContentIsPoison(t *testing.T) {
	f := newFixture(t)
	m := outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", "null", f.clock.Now())
	f.insert(m)

	result, err := f.processor().ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Poisoned)
	assert.Zero(t, result.Processed)

	stored := f.get(t, m)
	assert.True(t, stored.IsPoisonMessage)
	assert.Equal(t, ReasonEmptyContent, *stored.DlqReason)
	assert.Empty(t, f.bus.Published())
}

func TestDispatchRetriesTransientFailuresUntilDlq(t *testing.T) {
	f := newFixture(t)
	f.bus.errFor = func(events.IntegrationEvent) error { return errors.New("handler crashed") }
	m := f.publish(t, ordering.OrderCreated{ID: 7})
	p := f.processor()

	for attempt := 1; attempt <= 3; attempt++ {
		result, err := p.ProcessBatch(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Claimed, "attempt %d", attempt)

		stored := f.get(t, m)
		assert.Equal(t, attempt, stored.RetryCount)
		if stored.NextRetryAt != nil {
			f.clock.Advance(stored.NextRetryAt.Sub(f.clock.Now()))
		}
	}

	stored := f.get(t, m)
	assert.Equal(t, 3, stored.RetryCount)
	require.NotNil(t, stored.MovedToDlqAt)
	assert.Equal(t, "Max retries exceeded", *stored.DlqReason)
	assert.False(t, stored.IsPoisonMessage)
	assert.Equal(t, "handler crashed", *stored.Error)
}

func TestDispatchWaitsForBackoff(t *testing.T) {
	f := newFixture(t)
	f.bus.errFor = func(events.IntegrationEvent) error { return errors.New("timeout") }
	f.publish(t, ordering.OrderCreated{ID: 7})
	p := f.processor()

	_, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	result, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
}

func TestBatchIsolation(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.publish(t, ordering.OrderCreated{ID: int64(i)})
		f.clock.Advance(time.Second)
	}
	poison := outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":`, f.clock.Now().Add(-time.Hour))
	f.insert(poison)

	result, err := f.processor().ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Claimed)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Len(t, f.bus.Published(), 4)

	stored := f.get(t, poison)
	assert.True(t, stored.IsInDlq())
	assert.Equal(t, ReasonInvalidContent, *stored.DlqReason)
}

func TestDispatchPoisonClassification(t *testing.T) {
	cases := []struct {
		name    string
		msg     func(now time.Time) *outbox.OutboxMessage
		busErr  error
		wantDlq bool
	}{
		{
			name: "unknown type",
			msg: func(now time.Time) *outbox.OutboxMessage {
				return outbox.NewMessage("Vanished", "legacy.Vanished", "legacy", `{}`, now)
			},
			wantDlq: true,
		},
		{
			name: "undecodable payload",
			msg: func(now time.Time) *outbox.OutboxMessage {
				return outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":"x"}`, now)
			},
			wantDlq: true,
		},
		{
			name: "handler invalid argument",
			msg: func(now time.Time) *outbox.OutboxMessage {
				return outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":1}`, now)
			},
			busErr:  fmt.Errorf("order handler: %w", events.ErrInvalidArgument),
			wantDlq: true,
		},
		{
			name: "handler generic error",
			msg: func(now time.Time) *outbox.OutboxMessage {
				return outbox.NewMessage("OrderCreated", "ordering.OrderCreated", "ordering", `{"id":1}`, now)
			},
			busErr:  errors.New("db down"),
			wantDlq: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.busErr != nil {
				f.bus.errFor = func(events.IntegrationEvent) error { return tc.busErr }
			}
			m := tc.msg(f.clock.Now())
			f.insert(m)

			_, err := f.processor().ProcessBatch(context.Background())
			require.NoError(t, err)

			stored := f.get(t, m)
			assert.Equal(t, tc.wantDlq, stored.IsInDlq())
			assert.Equal(t, tc.wantDlq, stored.IsPoisonMessage)
			assert.Equal(t, 1, stored.RetryCount)
		})
	}
}

func TestDispatchRecordsIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ledger := memory.NewLedger()
	agg := uuid.New()
	f.publish(t, ordering.OrderCreated{ID: 1}, WithIdempotencyKey("order-1"), WithAggregateID(agg))
	f.publish(t, ordering.OrderCreated{ID: 2})

	result, err := f.processor(WithLedger(ledger)).ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	seen, err := ledger.HasProcessed(context.Background(), "order-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestLedgerFailureDoesNotFailDispatch(t *testing.T) {
	f := newFixture(t)
	ledger := memory.NewLedger()
	ledger.Err = errors.New("ledger unavailable")
	m := f.publish(t, ordering.OrderCreated{ID: 1}, WithIdempotencyKey("order-1"))

	result, err := f.processor(WithLedger(ledger)).ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.NotNil(t, f.get(t, m).ProcessedOn)
}

type failingClaimStore struct {
	*memory.OutboxStore
	err error
}

func (s *failingClaimStore) ClaimUnprocessedMessages(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.OutboxMessage, error) {
	return nil, s.err
}

func TestProcessBatchSurfacesClaimFailure(t *testing.T) {
	f := newFixture(t)
	store := &failingClaimStore{OutboxStore: f.store, err: errors.New("connection reset")}
	p := NewProcessor(store, f.registry, f.bus, ProcessorConfig{})

	_, err := p.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestLoopDelay(t *testing.T) {
	p := NewProcessor(memory.NewOutboxStore(), events.NewRegistry(), &recordingBus{}, ProcessorConfig{
		BaseDelay: 5 * time.Second,
		MaxDelay:  60 * time.Second,
	})

	assert.Equal(t, 5*time.Second, p.LoopDelay(0))
	assert.Equal(t, 10*time.Second, p.LoopDelay(1))
	assert.Equal(t, 20*time.Second, p.LoopDelay(2))
	assert.Equal(t, 40*time.Second, p.LoopDelay(3))
	assert.Equal(t, 60*time.Second, p.LoopDelay(4))
	assert.Equal(t, 60*time.Second, p.LoopDelay(200))
}

func TestRunAdaptsDelayAndStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	store := &failingClaimStore{OutboxStore: f.store, err: errors.New("db down")}
	p := NewProcessor(store, f.registry, f.bus, ProcessorConfig{})
	p.clock = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		f.clock.Advance(d)
		switch len(delays) {
		case 3:
			store.err = nil
		case 5:
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}, delays)
}

func TestRunResetsErrorCounterAfterCooldown(t *testing.T) {
	f := newFixture(t)
	store := &failingClaimStore{OutboxStore: f.store, err: errors.New("db down")}
	p := NewProcessor(store, f.registry, f.bus, ProcessorConfig{ErrorCooldown: time.Minute})
	p.clock = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		switch len(delays) {
		case 2:
			store.err = nil
		case 3:
			f.clock.Advance(2 * time.Minute)
		case 4:
			store.err = errors.New("db down again")
		case 5:
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, p.Run(ctx))
	// errors: 10s, 20s; clean: 5s; clean after cooldown resets counter: 5s; next error starts over at 10s
	assert.Equal(t, []time.Duration{
		10 * time.Second,
		20 * time.Second,
		5 * time.Second,
		5 * time.Second,
		10 * time.Second,
	}, delays)
}

func TestRunBacksOffWhileDownstreamIsBroken(t *testing.T) {
	f := newFixture(t)
	f.bus.errFor = func(events.IntegrationEvent) error { return errors.New("broker unreachable") }
	for i := int64(1); i <= 6; i++ {
		f.publish(t, ordering.OrderCreated{ID: i})
	}
	p := f.processor()
	p.cfg.BatchSize = 2

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		f.clock.Advance(d)
		if len(delays) == 4 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, p.Run(ctx))
	// three batches of undeliverable messages, then nothing is due until the 2m backoff elapses
	assert.Equal(t, []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		5 * time.Second,
	}, delays)
	assert.Empty(t, f.bus.Published())
}

func TestBatchResultDeliveryFailed(t *testing.T) {
	tests := []struct {
		name   string
		result BatchResult
		want   bool
	}{
		{"empty batch", BatchResult{}, false},
		{"all published", BatchResult{Claimed: 2, Processed: 2}, false},
		{"all transient", BatchResult{Claimed: 2, Failed: 2}, true},
		{"exhausted retries", BatchResult{Claimed: 1, DeadLettered: 1}, true},
		{"only poison", BatchResult{Claimed: 2, Poisoned: 2, DeadLettered: 2}, false},
		{"partial delivery", BatchResult{Claimed: 3, Processed: 1, Failed: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.DeliveryFailed())
		})
	}
}
