package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds how many task executions run in parallel.
const DefaultPoolSize = 20

// ErrPoolShutdown is returned by Submit once Shutdown has begun.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics counts executions by outcome.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Future yields the error of one submitted execution.
type Future <-chan error

// Await waits for the execution or for ctx, whichever ends first.
func (f Future) Await(ctx context.Context) error {
	select {
	case err := <-f:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerPool caps concurrent executions across all tasks. Each task worker
// submits one execution at a time, so the cap is what keeps a burst of
// busy tasks from running unbounded.
type WorkerPool struct {
	slots *semaphore.Weighted

	closing context.Context
	close   context.CancelFunc
	// mu orders running.Add against Shutdown's running.Wait.
	mu      sync.RWMutex
	running sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	closing, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		slots:   semaphore.NewWeighted(int64(size)),
		closing: closing,
		close:   cancel,
	}
}

// Submit waits for a free slot, then runs fn on its own goroutine. Waiting
// ends early when ctx is done or the pool shuts down. A panic in fn is
// recovered and surfaces as the Future's error.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) (Future, error) {
	if p.closing.Err() != nil {
		return nil, ErrPoolShutdown
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if p.closing.Err() != nil {
			return nil, ErrPoolShutdown
		}
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closing.Err() != nil {
		p.mu.RUnlock()
		p.slots.Release(1)
		return nil, ErrPoolShutdown
	}
	p.running.Add(1)
	p.mu.RUnlock()

	done := make(chan error, 1)
	p.active.Add(1)
	go func() {
		defer p.running.Done()
		err := p.run(ctx, fn)
		p.active.Add(-1)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.slots.Release(1)
		done <- err
	}()
	return done, nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("panic in task execution: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every submitted execution has returned.
func (p *WorkerPool) Wait() { p.running.Wait() }

// Shutdown rejects further submissions and waits for running executions.
// It is safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.close()
	p.mu.Unlock()
	p.running.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
