package task

import (
	"context"
	"time"

	"github.com/rendis/agentrt/pkg/schema"
)

// Queue is a bounded FIFO of inbound items.
type Queue struct {
	ch chan *Inbound
}

// NewQueue creates a queue holding up to size items.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan *Inbound, size)}
}

// Push enqueues, blocking while the queue is full until ctx is done.
func (q *Queue) Push(ctx context.Context, in *Inbound) error {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	select {
	case q.ch <- in:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeTimeout, "work queue full").WithCause(ctx.Err())
	}
}

// TryPush enqueues without blocking and reports whether there was room.
func (q *Queue) TryPush(in *Inbound) bool {
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	select {
	case q.ch <- in:
		return true
	default:
		return false
	}
}

// Pop waits up to timeout for an item. ok is false on timeout or when ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Inbound, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case in := <-q.ch:
		return in, true
	case <-t.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() []*Inbound {
	var out []*Inbound
	for {
		select {
		case in := <-q.ch:
			out = append(out, in)
		default:
			return out
		}
	}
}
