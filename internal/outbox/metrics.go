package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type outboxMetrics struct {
	dispatched    metric.Int64Counter
	failed        metric.Int64Counter
	deadLettered  metric.Int64Counter
	stateFailed   metric.Int64Counter
	deleted       metric.Int64Counter
	reconciled    metric.Int64Counter
	batchDuration metric.Float64Histogram
}

func newOutboxMetrics(provider metric.MeterProvider) (*outboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relaybox.outbox")

	var (
		m   outboxMetrics
		err error
	)

	m.dispatched, err = meter.Int64Counter(
		"outbox.messages.dispatched",
		metric.WithDescription("Number of outbox messages published to the event bus"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.dispatched counter: %w", err)
	}

	m.failed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of failed dispatch attempts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	m.deadLettered, err = meter.Int64Counter(
		"outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages moved to the DLQ"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}

	m.stateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages whose new state could not be persisted"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	m.deleted, err = meter.Int64Counter(
		"outbox.messages.deleted",
		metric.WithDescription("Number of outbox messages removed by retention cleanup"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.deleted counter: %w", err)
	}

	m.reconciled, err = meter.Int64Counter(
		"outbox.reconciliation.actions",
		metric.WithDescription("Number of reconciliation actions taken"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.reconciliation.actions counter: %w", err)
	}

	m.batchDuration, err = meter.Float64Histogram(
		"outbox.dispatch.batch_duration",
		metric.WithDescription("Time taken per dispatch batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outbox.dispatch.batch_duration histogram: %w", err)
	}

	return &m, nil
}

// mustMetrics falls back to no-op instruments when the provider rejects registration.
func mustMetrics(provider metric.MeterProvider) *outboxMetrics {
	m, err := newOutboxMetrics(provider)
	if err != nil {
		m, _ = newOutboxMetrics(noop.NewMeterProvider())
	}
	return m
}

func (m *outboxMetrics) add(ctx context.Context, c metric.Int64Counter, n int, kv ...attribute.KeyValue) {
	if n <= 0 {
		return
	}
	c.Add(ctx, int64(n), metric.WithAttributes(kv...))
}
