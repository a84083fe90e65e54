// Package worker runs background tasks on a bounded number of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the pool size used when none is configured.
const DefaultSize = 8

// Pool bounds how many submitted tasks run at once. Submit never blocks the
// caller; tasks queue on the semaphore instead.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New returns a pool running at most size tasks concurrently.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// Submit schedules task. The task receives ctx and should stop early when it
// is done. A task that cannot start because ctx ended before a slot freed up
// is called with that ctx anyway so it can record the interruption.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.logger.Debug("worker slot not acquired", "error", err)
			task(ctx)
			return
		}
		defer p.sem.Release(1)
		task(ctx)
	}()
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
