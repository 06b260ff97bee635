package outbox

import (
	"context"
	"sync"
)

// Runner drives a Processor's continuous loop in the background.
type Runner struct {
	processor *Processor
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

func NewRunner(processor *Processor) *Runner {
	return &Runner{processor: processor}
}

func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.processor.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight batch to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
