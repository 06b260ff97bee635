package outbox

import (
	"context"
	"fmt"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/events"
	"relaybox/internal/repository"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
)

type publishOptions struct {
	aggregateID    *uuid.UUID
	correlationID  *uuid.UUID
	idempotencyKey string
	maxRetries     int
}

type PublishOption func(*publishOptions)

func WithAggregateID(id uuid.UUID) PublishOption {
	return func(o *publishOptions) { o.aggregateID = &id }
}

func WithCorrelationID(id uuid.UUID) PublishOption {
	return func(o *publishOptions) { o.correlationID = &id }
}

// WithIdempotencyKey tags the message for downstream deduplication.
// In a batch, each message receives the key suffixed with ":<index>".
func WithIdempotencyKey(key string) PublishOption {
	return func(o *publishOptions) { o.idempotencyKey = key }
}

func WithMaxRetries(n int) PublishOption {
	return func(o *publishOptions) { o.maxRetries = n }
}

// Publisher appends integration events to the outbox inside the caller's transaction.
type Publisher struct {
	repo     repository.OutboxRepository
	defaults []PublishOption
	clock    func() time.Time
}

// NewPublisher builds a publisher. defaults apply to every message before per-call options.
func NewPublisher(repo repository.OutboxRepository, defaults ...PublishOption) *Publisher {
	return &Publisher{repo: repo, defaults: defaults, clock: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, tx repository.DBTX, event events.IntegrationEvent, opts ...PublishOption) error {
	if tx == nil {
		return relaybox_errors.ErrTransactionRequired
	}
	o := p.buildOptions(opts)
	msg, err := p.newMessage(event, o, o.idempotencyKey)
	if err != nil {
		return err
	}
	if err := p.repo.Add(ctx, tx, msg); err != nil {
		return fmt.Errorf("add outbox message %s: %w", msg.FullTypeName, err)
	}
	return nil
}

func (p *Publisher) PublishBatch(ctx context.Context, tx repository.DBTX, batch []events.IntegrationEvent, opts ...PublishOption) error {
	if tx == nil {
		return relaybox_errors.ErrTransactionRequired
	}
	if len(batch) == 0 {
		return nil
	}
	o := p.buildOptions(opts)
	msgs := make([]*outbox.OutboxMessage, 0, len(batch))
	for i, event := range batch {
		key := o.idempotencyKey
		if key != "" {
			key = fmt.Sprintf("%s:%d", key, i)
		}
		msg, err := p.newMessage(event, o, key)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.repo.AddRange(ctx, tx, msgs); err != nil {
		return fmt.Errorf("add %d outbox messages: %w", len(msgs), err)
	}
	return nil
}

func (p *Publisher) newMessage(event events.IntegrationEvent, o publishOptions, key string) (*outbox.OutboxMessage, error) {
	content, err := events.Marshal(event)
	if err != nil {
		return nil, err
	}
	eventType, fullType, module := events.Describe(event)
	msg := outbox.NewMessage(eventType, fullType, module, content, p.clock())
	msg.AggregateID = o.aggregateID
	msg.CorrelationID = o.correlationID
	msg.IdempotencyKey = relaybox_errors.StringPtr(key)
	if o.maxRetries > 0 {
		msg.MaxRetries = o.maxRetries
	}
	return msg, nil
}

func (p *Publisher) buildOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range p.defaults {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
