package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TaskPool is a bounded worker pool for fire-and-forget persistence
// writes. Tasks are best-effort: when the queue is full the task is
// dropped and logged, never retried, and never blocks the caller.
type TaskPool struct {
	queue chan task
	log   *zerolog.Logger
	wg    sync.WaitGroup
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

// NewTaskPool creates a pool with the given queue depth.
func NewTaskPool(queueSize int, logger *zerolog.Logger) *TaskPool {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &TaskPool{
		queue: make(chan task, queueSize),
		log:   logger,
	}
}

// Run starts workers and blocks until ctx is cancelled. Tasks already
// dequeued run to completion.
func (tp *TaskPool) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		tp.wg.Add(1)
		go func() {
			defer tp.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-tp.queue:
					t.fn(ctx)
				}
			}
		}()
	}
	tp.wg.Wait()
}

// Submit enqueues a task without blocking. Returns false if dropped.
func (tp *TaskPool) Submit(name string, fn func(ctx context.Context)) bool {
	select {
	case tp.queue <- task{name: name, fn: fn}:
		return true
	default:
		tp.log.Warn().Str("task", name).Msg("task queue full, dropping background write")
		return false
	}
}

// Len returns the number of queued tasks.
func (tp *TaskPool) Len() int {
	return len(tp.queue)
}
