// Package worker runs background tasks with bounded concurrency.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
)

// Task receives the context it was submitted with.
type Task func(ctx context.Context)

// Pool runs at most size tasks at once. Submit never blocks; queued tasks wait
// for a slot in their own goroutine.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	group  errgroup.Group
	logger *logger.Logger

	mu     sync.Mutex
	closed bool

	running atomic.Int64
	waiting atomic.Int64
}

func NewPool(size int, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: log.WithComponent("worker-pool"),
	}
}

// Submit schedules task. If ctx is cancelled before a slot frees up the task is
// skipped.
func (p *Pool) Submit(ctx context.Context, name string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	p.waiting.Add(1)
	p.group.Go(func() error {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.waiting.Add(-1)
			p.logger.Debugw("Task cancelled before start", "task", name, "error", err)
			return nil
		}
		p.waiting.Add(-1)
		p.running.Add(1)
		defer func() {
			p.running.Add(-1)
			p.sem.Release(1)
		}()
		p.run(ctx, name, task)
		return nil
	})
	return nil
}

func (p *Pool) run(ctx context.Context, name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).Errorw("Task panicked",
				"task", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(ctx)
}

// Close stops accepting tasks and waits for submitted ones, or for ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debugw("Worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker pool: %w", ctx.Err())
	}
}

type Stats struct {
	Size    int   `json:"size"`
	Running int64 `json:"running"`
	Waiting int64 `json:"waiting"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:    int(p.size),
		Running: p.running.Load(),
		Waiting: p.waiting.Load(),
	}
}
