package outbox

import (
	"context"
	"testing"

	"relaybox/internal/events"
	"relaybox/internal/events/contracts/identity"
	"relaybox/internal/events/contracts/ordering"
	"relaybox/internal/repository"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRequiresTransaction(t *testing.T) {
	f := newFixture(t)

	err := f.publisher.Publish(context.Background(), nil, ordering.OrderCreated{ID: 42})
	assert.ErrorIs(t, err, relaybox_errors.ErrTransactionRequired)

	err = f.publisher.PublishBatch(context.Background(), nil, []events.IntegrationEvent{ordering.OrderCreated{ID: 1}})
	assert.ErrorIs(t, err, relaybox_errors.ErrTransactionRequired)
	assert.Zero(t, f.store.Len())
}

func TestPublishBuildsPendingMessage(t *testing.T) {
	f := newFixture(t)
	agg, corr := uuid.New(), uuid.New()

	m := f.publish(t, ordering.OrderCreated{ID: 42},
		WithAggregateID(agg), WithCorrelationID(corr), WithIdempotencyKey("order-42"))

	assert.Equal(t, "OrderCreated", m.EventTypeName)
	assert.Equal(t, "ordering.OrderCreated", m.FullTypeName)
	assert.Equal(t, "ordering", m.ModuleName)
	assert.Equal(t, `{"id":42}`, m.Content)
	assert.Equal(t, 1, m.SchemaVersion)
	assert.Equal(t, 3, m.MaxRetries)
	assert.Equal(t, f.clock.Now(), m.OccurredOn)
	assert.Equal(t, agg, *m.AggregateID)
	assert.Equal(t, corr, *m.CorrelationID)
	assert.Equal(t, "order-42", *m.IdempotencyKey)
	assert.Nil(t, m.ProcessedOn)
}

func TestPublishIsRolledBackWithTheTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx repository.DBTX) error {
		require.NoError(t, f.publisher.Publish(ctx, tx, ordering.OrderCreated{ID: 1}))
		return relaybox_errors.ErrConflict
	})

	assert.ErrorIs(t, err, relaybox_errors.ErrConflict)
	assert.Zero(t, f.store.Len())
}

func TestPublishBatchSuffixesIdempotencyKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx repository.DBTX) error {
		return f.publisher.PublishBatch(ctx, tx, []events.IntegrationEvent{
			identity.UserCreated{UserID: uuid.New()},
			identity.UserCreated{UserID: uuid.New()},
		}, WithIdempotencyKey("signup"))
	})
	require.NoError(t, err)

	msgs, err := f.store.GetUnprocessedMessagesByType(ctx, "identity.UserCreated")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	keys := []string{*msgs[0].IdempotencyKey, *msgs[1].IdempotencyKey}
	assert.ElementsMatch(t, []string{"signup:0", "signup:1"}, keys)
}

func TestPublisherDefaultsApplyBeforeCallOptions(t *testing.T) {
	f := newFixture(t)
	f.publisher = NewPublisher(f.store, WithMaxRetries(5))
	f.publisher.clock = f.clock.Now

	m := f.publish(t, ordering.OrderCreated{ID: 1})
	assert.Equal(t, 5, m.MaxRetries)

	m = f.publish(t, ordering.OrderCreated{ID: 2}, WithMaxRetries(8))
	assert.Equal(t, 8, m.MaxRetries)
}
