package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bus fans an event out to its handlers and returns once all of them have completed.
type Bus interface {
	Publish(ctx context.Context, event IntegrationEvent) error
}

// EventHandler consumes one event type.
type EventHandler interface {
	Handle(ctx context.Context, event IntegrationEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event IntegrationEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event IntegrationEvent) error {
	return f(ctx, event)
}

// InProcessBus dispatches to handlers registered in the same process, sequentially.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{handlers: make(map[string][]EventHandler)}
}

// Subscribe registers handler for a fully qualified event type name.
func (b *InProcessBus) Subscribe(fullTypeName string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[fullTypeName] = append(b.handlers[fullTypeName], handler)
}

func (b *InProcessBus) Publish(ctx context.Context, event IntegrationEvent) error {
	if event == nil {
		return fmt.Errorf("publish: nil event: %w", ErrInvalidArgument)
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[FullName(event)]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
