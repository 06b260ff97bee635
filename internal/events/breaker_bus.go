package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker placed in front of a bus.
type BreakerConfig struct {
	Name             string
	MaxFailures      uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
	OnStateChange    func(name string, from, to gobreaker.State)
}

// BreakerBus stops hammering a failing downstream bus. Rejected publishes are transient errors.
type BreakerBus struct {
	next    Bus
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerBus(next Bus, cfg BreakerConfig) *BreakerBus {
	if cfg.Name == "" {
		cfg.Name = "event-bus"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &BreakerBus{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerBus) Publish(ctx context.Context, event IntegrationEvent) error {
	// Poison failures describe the event, not the downstream, so they do not count against the breaker.
	var poisonErr error
	_, err := b.breaker.Execute(func() (interface{}, error) {
		err := b.next.Publish(ctx, event)
		if err != nil && Classify(err) == ClassPoison {
			poisonErr = err
			return nil, nil
		}
		return nil, err
	})
	if poisonErr != nil {
		return poisonErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("event bus %s unavailable: %w", b.breaker.Name(), err)
	}
	return err
}

func (b *BreakerBus) State() gobreaker.State {
	return b.breaker.State()
}
