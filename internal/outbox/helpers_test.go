package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/events"
	"relaybox/internal/events/contracts"
	"relaybox/internal/repository"
	"relaybox/internal/repository/memory"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingBus captures published events and fails with errFor when set.
type recordingBus struct {
	mu        sync.Mutex
	published []events.IntegrationEvent
	errFor    func(events.IntegrationEvent) error
}

func (b *recordingBus) Publish(ctx context.Context, e events.IntegrationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errFor != nil {
		if err := b.errFor(e); err != nil {
			return err
		}
	}
	b.published = append(b.published, e)
	return nil
}

func (b *recordingBus) Published() []events.IntegrationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.IntegrationEvent(nil), b.published...)
}

type fixture struct {
	clock     *testClock
	store     *memory.OutboxStore
	registry  *events.Registry
	bus       *recordingBus
	publisher *Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	registry, err := contracts.NewRegistry()
	require.NoError(t, err)

	store := memory.NewOutboxStore(memory.WithClock(clock.Now))
	publisher := NewPublisher(store)
	publisher.clock = clock.Now

	return &fixture{
		clock:     clock,
		store:     store,
		registry:  registry,
		bus:       &recordingBus{},
		publisher: publisher,
	}
}

func (f *fixture) processor(opts ...ProcessorOption) *Processor {
	p := NewProcessor(f.store, f.registry, f.bus, ProcessorConfig{WorkerID: "test-worker"}, opts...)
	p.clock = f.clock.Now
	return p
}

func (f *fixture) publish(t *testing.T, ev events.IntegrationEvent, opts ...PublishOption) *outbox.OutboxMessage {
	t.Helper()
	ctx := context.Background()
	before := f.ids(t)
	err := f.store.WithTx(ctx, func(tx repository.DBTX) error {
		return f.publisher.Publish(ctx, tx, ev, opts...)
	})
	require.NoError(t, err)
	for _, m := range f.all(t) {
		if _, ok := before[m.ID.String()]; !ok {
			return m
		}
	}
	t.Fatal("published message not found")
	return nil
}

func (f *fixture) ids(t *testing.T) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range f.all(t) {
		out[m.ID.String()] = struct{}{}
	}
	return out
}

// all returns every stored message regardless of state.
func (f *fixture) all(t *testing.T) []*outbox.OutboxMessage {
	t.Helper()
	ctx := context.Background()
	far := f.clock.Now().Add(100 * 365 * 24 * time.Hour)

	var out []*outbox.OutboxMessage
	for _, typeName := range f.registry.FullNames() {
		pending, err := f.store.GetUnprocessedMessagesByType(ctx, typeName)
		require.NoError(t, err)
		out = append(out, pending...)
	}
	processed, err := f.store.GetProcessedMessagesOlderThan(ctx, far, 0)
	require.NoError(t, err)
	out = append(out, processed...)
	dlq, err := f.store.GetDlqMessages(ctx)
	require.NoError(t, err)
	out = append(out, dlq...)
	return out
}

func (f *fixture) get(t *testing.T, m *outbox.OutboxMessage) *outbox.OutboxMessage {
	t.Helper()
	got, err := f.store.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) insert(msgs ...*outbox.OutboxMessage) {
	f.store.Insert(msgs...)
}
