package broker

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Workers bounds how many handlers run at once for a receiver.
type Workers struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewWorkers returns a pool running at most n handlers (minimum 1).
func NewWorkers(n int, logger *slog.Logger) *Workers {
	if n < 1 {
		n = 1
	}
	return &Workers{sem: semaphore.NewWeighted(int64(n)), logger: logger}
}

// Go runs h for d once a slot is free.  It returns false without running
// h if ctx is cancelled while waiting.
func (w *Workers) Go(ctx context.Context, h Handler, d Delivery) bool {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return false
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)

		if err := h(ctx, d); err != nil {
			w.logger.Warn("delivery left unsettled",
				slog.String("correlationId", d.CorrelationID()),
				slog.Int("deliveryCount", d.DeliveryCount()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// Wait blocks until every started handler has returned.
func (w *Workers) Wait() { w.wg.Wait() }
