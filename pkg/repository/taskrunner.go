package repository

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Runner bounds concurrent execution of tasks submitted via Enqueue to at
// most maxConcurrency at a time (spec.md §4.12). Every Enqueue returns a
// completion listener (a channel closed when the task finishes). Enqueue
// itself blocks until a concurrency slot is free.
type Runner struct {
	name string
	sem  *semaphore.Weighted
	eg   *errgroup.Group
	ctx  context.Context
}

// NewRunner builds a Runner named name (used only for logging/metrics
// labels) bounded to maxConcurrency simultaneous tasks.
func NewRunner(ctx context.Context, name string, maxConcurrency int) *Runner {
	eg, egCtx := errgroup.WithContext(ctx)
	return &Runner{
		name: name,
		sem:  semaphore.NewWeighted(int64(maxConcurrency)),
		eg:   eg,
		ctx:  egCtx,
	}
}

// Enqueue schedules task to run once a slot is free, returning a channel
// that receives the task's error (nil on success) and is then closed. The
// call itself never blocks past semaphore acquisition.
func (r *Runner) Enqueue(task func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		done <- err
		close(done)
		return done
	}
	r.eg.Go(func() error {
		defer r.sem.Release(1)
		err := task(r.ctx)
		done <- err
		close(done)
		return err
	})
	return done
}

// Wait blocks until every task enqueued so far has completed, returning the
// first non-nil error encountered, if any.
func (r *Runner) Wait() error {
	return r.eg.Wait()
}

// StaleBlobRunner adds the stale-blob-delete runner's "run-sync-tasks-
// eagerly" escape hatch (spec.md §4.12): when the pool has spare capacity,
// RunEager executes task on the calling goroutine instead of queuing it,
// providing backpressure against a producer that would otherwise outrun
// cleanup.
type StaleBlobRunner struct {
	*Runner
	maxConcurrency int64
}

// NewStaleBlobRunner builds the stale-blob-delete runner.
func NewStaleBlobRunner(ctx context.Context, maxConcurrency int) *StaleBlobRunner {
	return &StaleBlobRunner{
		Runner:         NewRunner(ctx, "stale-blob-delete", maxConcurrency),
		maxConcurrency: int64(maxConcurrency),
	}
}

// RunEager runs task synchronously on the calling goroutine if a slot is
// immediately available (non-blocking TryAcquire), otherwise falls back to
// Enqueue and waits for it to finish. Either way it does not return until
// task has run.
func (r *StaleBlobRunner) RunEager(task func(ctx context.Context) error) error {
	if r.sem.TryAcquire(1) {
		defer r.sem.Release(1)
		return task(r.ctx)
	}
	return <-r.Enqueue(task)
}
