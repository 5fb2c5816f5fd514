package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 64

// anyTask keys subscriptions without a TaskID filter.
const anyTask = ""

type subscription struct {
	id     uint64
	filter EventFilter
	ch     chan StreamEvent
}

// offer delivers e without blocking. When the buffer is full a final event
// evicts the oldest queued one; anything else is dropped.
func (s *subscription) offer(e StreamEvent) bool {
	select {
	case s.ch <- e:
		return true
	default:
	}
	if !e.Final {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// MemoryHub is the in-process EventHub. Subscriptions are indexed by task so
// a publish only visits the followers of that task plus the unfiltered ones.
type MemoryHub struct {
	mu     sync.RWMutex
	byTask map[string]map[uint64]*subscription
	count  int

	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byTask: make(map[string]map[uint64]*subscription)}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byTask[event.TaskID], event)
	if event.TaskID != anyTask {
		h.deliver(h.byTask[anyTask], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscription, event StreamEvent) {
	for _, s := range subs {
		if s.filter.Matches(event) && !s.offer(event) {
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers filter. The subscription ends when cancel is called or
// ctx is done, whichever comes first; either way the channel is closed.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan StreamEvent, subscriberBuffer),
	}

	h.mu.Lock()
	set := h.byTask[filter.TaskID]
	if set == nil {
		set = make(map[uint64]*subscription)
		h.byTask[filter.TaskID] = set
	}
	set[s.id] = s
	h.count++
	h.mu.Unlock()

	var once sync.Once
	cancel := func() { once.Do(func() { h.remove(s) }) }
	stop := context.AfterFunc(ctx, cancel)
	return s.ch, func() {
		stop()
		cancel()
	}, nil
}

func (h *MemoryHub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byTask[s.filter.TaskID]
	delete(set, s.id)
	if len(set) == 0 {
		delete(h.byTask, s.filter.TaskID)
	}
	h.count--
	close(s.ch)
}

// Subscribers returns the number of open subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Dropped returns how many deliveries were lost to full buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

var _ EventHub = (*MemoryHub)(nil)
