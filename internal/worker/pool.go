// Package worker provides a fixed pool of goroutines with a bounded queue.
// Notification fanout (match_found, session_ended, queue status) runs here
// so a slow transport can never stall the matching pool or a teardown.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of asynchronous work.
type Task func()

// Pool executes tasks on a fixed number of workers. When the queue is full
// the task is dropped and counted; dropping is the backpressure policy —
// under overload we shed notifications rather than grow goroutines without
// bound.
type Pool struct {
	workers int
	tasks   chan Task
	ctx     context.Context
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  zerolog.Logger
}

// New creates a pool with the given worker count and queue size.
func New(workers, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Call once before Submit.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("Worker panic recovered, task abandoned")
					}
				}()
				task()
			}()
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task, dropping it when the queue is full.
func (p *Pool) Submit(task Task) {
	select {
	case p.tasks <- task:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many tasks were shed under backpressure.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Wait blocks until all workers exited after context cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}
