package task

import (
	"sort"
	"sync"
	"time"
)

// PendingStatus is the state of a tracked async operation.
type PendingStatus string

const (
	PendingWaiting   PendingStatus = "pending"
	PendingCompleted PendingStatus = "completed"
	PendingTimedOut  PendingStatus = "timed_out"
	PendingCancelled PendingStatus = "cancelled"
)

// PendingEvent tracks one fire-and-forget operation.
type PendingEvent struct {
	CorrelationID  string        `json:"correlation_id"`
	SourceNode     string        `json:"source_node"`
	RegisteredAt   time.Time     `json:"registered_at"`
	TimeoutAt      time.Time     `json:"timeout_at"`
	TimeoutSeconds float64       `json:"timeout_seconds"`
	Status         PendingStatus `json:"status"`
	Result         any           `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Timers is the subset of the timer service the registry arms and cancels.
type Timers interface {
	Start(correlationID, taskID string, delay time.Duration, onFire func())
	Cancel(correlationID string) bool
	CancelAllForTask(taskID string) int
}

// PendingRegistry is a task's table of in-flight async operations.
type PendingRegistry struct {
	taskID    string
	timers    Timers
	onTimeout func(PendingEvent)

	mu     sync.Mutex
	events map[string]*PendingEvent
	now    func() time.Time
}

// NewPendingRegistry creates a registry for taskID. onTimeout runs, outside
// any registry lock, after a timer moves an event to TimedOut.
func NewPendingRegistry(taskID string, timers Timers, onTimeout func(PendingEvent)) *PendingRegistry {
	return &PendingRegistry{
		taskID:    taskID,
		timers:    timers,
		onTimeout: onTimeout,
		events:    make(map[string]*PendingEvent),
		now:       time.Now,
	}
}

// Register records a new pending operation and arms its timeout.
func (r *PendingRegistry) Register(source string, timeout time.Duration) PendingEvent {
	cid := NewCorrelationID(r.taskID).String()
	now := r.now()

	r.mu.Lock()
	ev := &PendingEvent{
		CorrelationID:  cid,
		SourceNode:     source,
		RegisteredAt:   now,
		TimeoutAt:      now.Add(timeout),
		TimeoutSeconds: timeout.Seconds(),
		Status:         PendingWaiting,
	}
	r.events[cid] = ev
	out := *ev
	r.mu.Unlock()

	if r.timers != nil {
		r.timers.Start(cid, r.taskID, timeout, func() { r.expire(cid) })
	}
	return out
}

func (r *PendingRegistry) expire(cid string) {
	r.mu.Lock()
	ev, ok := r.events[cid]
	if !ok || ev.Status != PendingWaiting {
		r.mu.Unlock()
		return
	}
	ev.Status = PendingTimedOut
	ev.Error = "timeout"
	out := *ev
	r.mu.Unlock()

	if r.onTimeout != nil {
		r.onTimeout(out)
	}
}

// Resolve completes a pending operation with a result or an error message.
// It returns the transitioned event, or nil when the id is unknown or no
// longer pending.
func (r *PendingRegistry) Resolve(cid string, result any, errMsg string) *PendingEvent {
	if r.timers != nil {
		r.timers.Cancel(cid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[cid]
	if !ok || ev.Status != PendingWaiting {
		return nil
	}
	ev.Status = PendingCompleted
	if errMsg != "" {
		ev.Error = errMsg
	} else {
		ev.Result = result
		if ev.Result == nil {
			ev.Result = map[string]any{}
		}
	}
	out := *ev
	return &out
}

// Lookup returns the event for cid.
func (r *PendingRegistry) Lookup(cid string) (PendingEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[cid]
	if !ok {
		return PendingEvent{}, false
	}
	return *ev, true
}

// CancelAll moves every pending operation to Cancelled and disarms the
// task's timers. It returns how many were cancelled.
func (r *PendingRegistry) CancelAll() int {
	if r.timers != nil {
		r.timers.CancelAllForTask(r.taskID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Status == PendingWaiting {
			ev.Status = PendingCancelled
			ev.Error = "cancelled"
			n++
		}
	}
	return n
}

// CleanupExpired moves pending operations whose deadline has passed to
// TimedOut. Timers normally get there first; this is a sweep for missed ones.
func (r *PendingRegistry) CleanupExpired(now time.Time) []PendingEvent {
	r.mu.Lock()
	var out []PendingEvent
	for cid, ev := range r.events {
		if ev.Status == PendingWaiting && !ev.TimeoutAt.After(now) {
			ev.Status = PendingTimedOut
			ev.Error = "timeout"
			out = append(out, *ev)
			if r.timers != nil {
				r.timers.Cancel(cid)
			}
		}
	}
	r.mu.Unlock()
	return out
}

// PendingCount returns how many operations are still pending.
func (r *PendingRegistry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Status == PendingWaiting {
			n++
		}
	}
	return n
}

// HasPending reports whether any operation is still pending.
func (r *PendingRegistry) HasPending() bool {
	return r.PendingCount() > 0
}

// Snapshot returns every tracked event ordered by registration time.
func (r *PendingRegistry) Snapshot() []PendingEvent {
	r.mu.Lock()
	out := make([]PendingEvent, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, *ev)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}
