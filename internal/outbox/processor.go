package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/events"
	"relaybox/internal/repository"
	"relaybox/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	ReasonEmptyContent   = "Empty outbox content"
	ReasonInvalidContent = "Invalid outbox content"
)

type ProcessorConfig struct {
	WorkerID      string
	BatchSize     int
	LeaseDuration time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ErrorCooldown time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerID:      "relaybox",
		BatchSize:     50,
		LeaseDuration: 2 * time.Minute,
		BaseDelay:     5 * time.Second,
		MaxDelay:      60 * time.Second,
		ErrorCooldown: 5 * time.Minute,
	}
}

func (c ProcessorConfig) normalize() ProcessorConfig {
	d := DefaultProcessorConfig()
	if c.WorkerID == "" {
		c.WorkerID = d.WorkerID
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = d.MaxDelay
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = d.ErrorCooldown
	}
	return c
}

// BatchResult counts what a single dispatch batch did.
type BatchResult struct {
	Claimed      int
	Processed    int
	Failed       int
	Poisoned     int
	DeadLettered int
	Skipped      int
	StoreErrors  int
}

// DeliveryFailed reports a batch in which nothing was published and at least one message
// failed transiently, which points at a broken downstream rather than bad data.
func (r BatchResult) DeliveryFailed() bool {
	transient := r.Failed + r.DeadLettered - r.Poisoned
	return r.Processed == 0 && transient > 0
}

type ProcessorOption func(*Processor)

func WithLedger(ledger repository.IdempotencyLedger) ProcessorOption {
	return func(p *Processor) { p.ledger = ledger }
}

func WithLogger(l *logger.Logger) ProcessorOption {
	return func(p *Processor) { p.log = logger.OrNop(l) }
}

func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(p *Processor) { p.metrics = mustMetrics(provider) }
}

// Processor claims pending outbox messages, decodes them through the registry and publishes them to the bus.
type Processor struct {
	repo     repository.OutboxRepository
	registry *events.Registry
	bus      events.Bus
	ledger   repository.IdempotencyLedger
	log      *logger.Logger
	metrics  *outboxMetrics
	cfg      ProcessorConfig
	clock    func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func NewProcessor(repo repository.OutboxRepository, registry *events.Registry, bus events.Bus, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:     repo,
		registry: registry,
		bus:      bus,
		log:      logger.NewNop(),
		cfg:      cfg.normalize(),
		clock:    time.Now,
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = mustMetrics(nil)
	}
	return p
}

// ProcessBatch claims up to BatchSize messages and dispatches them one at a time.
// Per-message failures are recorded on the message; only a failed claim is returned as an error.
func (p *Processor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var result BatchResult
	start := p.clock()

	msgs, err := p.repo.ClaimUnprocessedMessages(ctx, p.cfg.WorkerID, p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		return result, fmt.Errorf("claim outbox messages: %w", err)
	}
	result.Claimed = len(msgs)

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			// unprocessed leases expire and are reclaimed
			return result, err
		}
		p.processMessage(ctx, msg, &result)
	}

	if result.Claimed > 0 {
		p.metrics.batchDuration.Record(ctx, p.clock().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("worker", p.cfg.WorkerID)))
		p.log.Debugf("outbox batch: claimed=%d processed=%d failed=%d poisoned=%d dlq=%d",
			result.Claimed, result.Processed, result.Failed, result.Poisoned, result.DeadLettered)
	}
	return result, nil
}

func (p *Processor) processMessage(ctx context.Context, msg *outbox.OutboxMessage, result *BatchResult) {
	log := p.log.With(zap.String("message_id", msg.ID.String()), zap.String("type", msg.FullTypeName))

	if msg.IsPoisonMessage || msg.IsInDlq() || msg.IsProcessed() {
		result.Skipped++
		return
	}

	desc, err := p.registry.Resolve(msg.FullTypeName, msg.ModuleName, msg.EventTypeName)
	if err != nil {
		p.fail(ctx, log, msg, err.Error(), true, result)
		return
	}

	if content := strings.TrimSpace(msg.Content); content == "" || content == "null" {
		p.fail(ctx, log, msg, ReasonEmptyContent, true, result)
		return
	}
	if !json.Valid([]byte(msg.Content)) {
		p.fail(ctx, log, msg, ReasonInvalidContent, true, result)
		return
	}

	event, err := desc.Decode([]byte(msg.Content))
	if err != nil {
		p.fail(ctx, log, msg, err.Error(), true, result)
		return
	}

	if err := p.bus.Publish(ctx, event); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// shutdown, not a delivery failure; the lease expires and another pass retries it
			return
		}
		p.fail(ctx, log, msg, err.Error(), events.Classify(err) == events.ClassPoison, result)
		return
	}

	msg.MarkProcessed(p.clock())
	if err := p.repo.Update(ctx, msg); err != nil {
		result.StoreErrors++
		p.metrics.add(ctx, p.metrics.stateFailed, 1)
		log.Errorf("published but failed to persist processed state: %v", err)
		return
	}
	result.Processed++
	p.metrics.add(ctx, p.metrics.dispatched, 1, attribute.String("type", msg.FullTypeName))

	if msg.IdempotencyKey != nil && p.ledger != nil {
		if err := p.ledger.MarkEventProcessed(ctx, *msg.IdempotencyKey, msg.AggregateID); err != nil {
			log.Warnf("failed to record idempotency key %s: %v", *msg.IdempotencyKey, err)
		}
	}
}

func (p *Processor) fail(ctx context.Context, log *logger.Logger, msg *outbox.OutboxMessage, reason string, isPoison bool, result *BatchResult) {
	msg.MarkFailed(reason, isPoison, p.clock())
	if err := p.repo.Update(ctx, msg); err != nil {
		result.StoreErrors++
		p.metrics.add(ctx, p.metrics.stateFailed, 1)
		log.Errorf("failed to persist failure state: %v", err)
		return
	}

	attrs := attribute.String("type", msg.FullTypeName)
	p.metrics.add(ctx, p.metrics.failed, 1, attrs, attribute.Bool("poison", isPoison))
	switch {
	case isPoison:
		result.Poisoned++
		result.DeadLettered++
		p.metrics.add(ctx, p.metrics.deadLettered, 1, attrs)
		log.Warnf("poison message moved to DLQ: %s", reason)
	case msg.IsInDlq():
		result.DeadLettered++
		p.metrics.add(ctx, p.metrics.deadLettered, 1, attrs)
		log.Warnf("message moved to DLQ after %d attempts: %s", msg.RetryCount, reason)
	default:
		result.Failed++
		log.Infof("dispatch attempt %d failed, next retry at %s: %s", msg.RetryCount, msg.NextRetryAt.Format(time.RFC3339), reason)
	}
}

// Run dispatches batches until ctx is cancelled. The pause between batches is BaseDelay after a clean
// batch and grows as BaseDelay*2^n (capped at MaxDelay) while errors repeat. A batch counts as an
// error when the claim fails, a state update fails, or no claimed message could be delivered. The error counter is
// reset once ErrorCooldown has passed without a new error.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Infof("outbox processor %s started (batch=%d, lease=%s)", p.cfg.WorkerID, p.cfg.BatchSize, p.cfg.LeaseDuration)
	defer p.log.Infof("outbox processor %s stopped", p.cfg.WorkerID)

	consecutiveErrors := 0
	var lastErrorAt time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := p.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}

		now := p.clock()
		failed := err != nil || result.StoreErrors > 0 || result.DeliveryFailed()
		if failed {
			consecutiveErrors++
			lastErrorAt = now
			switch {
			case err != nil:
				p.log.Errorf("outbox batch failed (%d consecutive): %v", consecutiveErrors, err)
			case result.StoreErrors > 0:
				p.log.Errorf("outbox batch had %d store errors (%d consecutive)", result.StoreErrors, consecutiveErrors)
			default:
				p.log.Warnf("no message of the batch could be delivered (%d consecutive)", consecutiveErrors)
			}
		} else if consecutiveErrors > 0 && now.Sub(lastErrorAt) >= p.cfg.ErrorCooldown {
			consecutiveErrors = 0
		}

		delay := p.cfg.BaseDelay
		if failed {
			delay = p.LoopDelay(consecutiveErrors)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// LoopDelay returns the pause after consecutiveErrors failed batches.
func (p *Processor) LoopDelay(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return p.cfg.BaseDelay
	}
	factor := math.Pow(2, float64(consecutiveErrors))
	delay := time.Duration(float64(p.cfg.BaseDelay) * factor)
	if delay <= 0 || delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}
