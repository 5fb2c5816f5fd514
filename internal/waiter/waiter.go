// Package waiter holds one-shot results for callers blocked on a request.
package waiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/pkg/schema"
)

const retiredCacheSize = 4096

type outcome[T any] struct {
	value T
	err   error
}

type entry[T any] struct {
	ch      chan outcome[T]
	created time.Time
	done    bool
}

// Registry maps request ids to pending results. Create, Resolve and Fail
// are idempotent; resolving a missing or finished id is a logged no-op.
// Ids whose caller gave up are retired, and late results for them are
// dropped.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	retired *lru.Cache[string, time.Time]
	logger  *slog.Logger
}

func New[T any](logger *slog.Logger) *Registry[T] {
	retired, _ := lru.New[string, time.Time](retiredCacheSize)
	return &Registry[T]{
		entries: make(map[string]*entry[T]),
		retired: retired,
		logger:  logging.OrDefault(logger),
	}
}

// Create registers id. Creating an id that is already registered is a
// no-op. A result delivered before Wait is held until Wait collects it.
func (r *Registry[T]) Create(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return
	}
	r.retired.Remove(id)
	r.entries[id] = &entry[T]{ch: make(chan outcome[T], 1), created: time.Now()}
}

// Resolve delivers value to the caller waiting on id.
func (r *Registry[T]) Resolve(id string, value T) bool {
	return r.complete(id, outcome[T]{value: value})
}

// Fail delivers err to the caller waiting on id.
func (r *Registry[T]) Fail(id string, err error) bool {
	return r.complete(id, outcome[T]{err: err})
}

func (r *Registry[T]) complete(id string, o outcome[T]) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.done {
		r.mu.Unlock()
		r.logger.Debug("request already completed", "request_id", id)
		return false
	}
	if ok {
		e.done = true
	}
	r.mu.Unlock()

	if !ok {
		if at, retired := r.retired.Get(id); retired {
			r.logger.Info("result for retired request dropped", "request_id", id, "retired_at", at)
		} else {
			r.logger.Debug("no waiter for request", "request_id", id)
		}
		return false
	}
	e.ch <- o
	return true
}

// Wait blocks until id is resolved, ctx ends or timeout elapses. On timeout
// the id is retired and a TIMEOUT_ERROR is returned.
func (r *Registry[T]) Wait(ctx context.Context, id string, timeout time.Duration) (T, error) {
	var zero T
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return zero, schema.NewErrorf(schema.ErrCodeNotFound, "no waiter for request %s", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-e.ch:
		r.remove(id, e)
		return o.value, o.err
	case <-timer.C:
		r.retire(id, e)
		return zero, schema.NewErrorf(schema.ErrCodeTimeout, "request %s not finished after %s", id, timeout).
			WithDetails(map[string]any{"request_id": id})
	case <-ctx.Done():
		r.retire(id, e)
		return zero, schema.NewErrorf(schema.ErrCodeCancelled, "wait for request %s aborted", id).WithCause(ctx.Err())
	}
}

func (r *Registry[T]) remove(id string, e *entry[T]) {
	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// retire drops the entry. A result that raced in is discarded with it.
func (r *Registry[T]) retire(id string, e *entry[T]) {
	r.remove(id, e)
	r.retired.Add(id, time.Now())
	logging.LogWith(logging.WithRequestID(context.Background(), id), r.logger).
		Warn("request retired without result", "waited", time.Since(e.created).Round(time.Millisecond))
}

// Drop removes id without retiring it, for callers that will never wait.
func (r *Registry[T]) Drop(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Retired reports whether id timed out earlier.
func (r *Registry[T]) Retired(id string) bool {
	return r.retired.Contains(id)
}

// Pending returns the number of waiters without a result.
func (r *Registry[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.done {
			n++
		}
	}
	return n
}

// FailAll fails every open waiter with err.
func (r *Registry[T]) FailAll(err error) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if !e.done {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if r.Fail(id, err) {
			n++
		}
	}
	return n
}
