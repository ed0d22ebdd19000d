// ABOUTME: Bounded background task runner for fire-and-forget side effects.
// ABOUTME: Failures are logged, never propagated to the submitting caller.

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Runner executes submitted tasks on a fixed pool of workers. Task failures
// are observable in logs but never awaited by, or surfaced to, the submitter.
type Runner struct {
	logger *slog.Logger
	jobs   chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewRunner starts a runner with the given worker count and queue depth.
// Zero values pick the defaults.
func NewRunner(workers, queueSize int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger: logger.With("component", "tasks"),
		jobs:   make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Submit queues a task. It never blocks: a full queue or a closed runner
// drops the task with a logged warning and returns false.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn("task dropped, runner closed", "task", name)
		return false
	}

	select {
	case r.jobs <- job{name: name, fn: fn}:
		return true
	default:
		r.logger.Warn("task dropped, queue full", "task", name)
		return false
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for j := range r.jobs {
		if err := r.run(j); err != nil {
			r.logger.Error("background task failed", "task", j.name, "error", err)
		}
	}
}

func (r *Runner) run(j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return j.fn(r.ctx)
}

// Close cancels in-flight task contexts, stops accepting work, and waits for
// the workers to drain the queue.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
