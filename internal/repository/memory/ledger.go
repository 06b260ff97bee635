package memory

import (
	"context"
	"sync"

	relaybox_errors "relaybox/pkg/errors"

	"github.com/google/uuid"
)

// Ledger is an in-process IdempotencyLedger.
type Ledger struct {
	mu   sync.RWMutex
	keys map[string]*uuid.UUID
	Err  error
}

func NewLedger() *Ledger {
	return &Ledger{keys: make(map[string]*uuid.UUID)}
}

func (l *Ledger) MarkEventProcessed(ctx context.Context, key string, aggregateID *uuid.UUID) error {
	if key == "" {
		return relaybox_errors.ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	if _, ok := l.keys[key]; !ok {
		l.keys[key] = aggregateID
	}
	return nil
}

func (l *Ledger) HasProcessed(ctx context.Context, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[key]
	return ok, nil
}
