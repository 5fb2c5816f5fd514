// Package timer schedules delayed callbacks keyed by correlation id and task id.
package timer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentrt/internal/logging"
)

// State is the lifecycle state of a timer handle.
type State string

const (
	StateArmed     State = "armed"
	StateFired     State = "fired"
	StateCancelled State = "cancelled"
)

// Handle is a point-in-time view of a timer.
type Handle struct {
	CorrelationID string
	TaskID        string
	FireAt        time.Time
	State         State
}

type entry struct {
	handle Handle
	timer  *time.Timer
	seq    uint64
}

// Service holds armed timers. All mutations happen under one lock; onFire
// callbacks always run outside it.
type Service struct {
	mu     sync.Mutex
	byCorr map[string]*entry
	byTask map[string]map[string]struct{}
	seq    uint64
	closed bool
	logger *slog.Logger

	// OnChange, when set, receives the armed count after each mutation.
	OnChange func(armed int)
}

// New creates an empty timer service.
func New(logger *slog.Logger) *Service {
	return &Service{
		byCorr: make(map[string]*entry),
		byTask: make(map[string]map[string]struct{}),
		logger: logging.OrDefault(logger),
	}
}

// Start arms a timer for correlationID. An armed timer for the same id is
// cancelled and replaced.
func (s *Service) Start(correlationID, taskID string, delay time.Duration, onFire func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("timer service closed, ignoring start", "correlation_id", correlationID)
		return
	}

	if prev, ok := s.byCorr[correlationID]; ok {
		prev.timer.Stop()
		s.removeLocked(correlationID, prev.handle.TaskID)
	}

	s.seq++
	seq := s.seq
	e := &entry{
		handle: Handle{
			CorrelationID: correlationID,
			TaskID:        taskID,
			FireAt:        time.Now().Add(delay),
			State:         StateArmed,
		},
		seq: seq,
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(correlationID, seq, onFire) })
	s.byCorr[correlationID] = e
	ids := s.byTask[taskID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byTask[taskID] = ids
	}
	ids[correlationID] = struct{}{}
	s.notifyLocked()
}

// fire removes the handle atomically and then invokes onFire without the lock.
// A stale callback from a replaced timer is discarded by sequence number.
func (s *Service) fire(correlationID string, seq uint64, onFire func()) {
	s.mu.Lock()
	e, ok := s.byCorr[correlationID]
	if !ok || e.seq != seq {
		s.mu.Unlock()
		return
	}
	e.handle.State = StateFired
	s.removeLocked(correlationID, e.handle.TaskID)
	s.notifyLocked()
	s.mu.Unlock()

	if onFire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked", "correlation_id", correlationID, "panic", r)
		}
	}()
	onFire()
}

// Cancel disarms the timer for correlationID. Reports whether an armed timer existed.
func (s *Service) Cancel(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byCorr[correlationID]
	if !ok {
		return false
	}
	e.timer.Stop()
	e.handle.State = StateCancelled
	s.removeLocked(correlationID, e.handle.TaskID)
	s.notifyLocked()
	return true
}

// CancelAllForTask disarms every timer owned by taskID and returns how many
// were cancelled.
func (s *Service) CancelAllForTask(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byTask[taskID]
	n := 0
	for id := range ids {
		if e, ok := s.byCorr[id]; ok {
			e.timer.Stop()
			e.handle.State = StateCancelled
			delete(s.byCorr, id)
			n++
		}
	}
	delete(s.byTask, taskID)
	if n > 0 {
		s.notifyLocked()
	}
	return n
}

// Active returns a snapshot of armed timers ordered by fire time.
func (s *Service) Active() []Handle {
	s.mu.Lock()
	out := make([]Handle, 0, len(s.byCorr))
	for _, e := range s.byCorr {
		out = append(out, e.handle)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// IsArmed reports whether correlationID has an armed timer.
func (s *Service) IsArmed(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byCorr[correlationID]
	return ok
}

// Close cancels every timer and rejects further starts.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.byCorr {
		e.timer.Stop()
		delete(s.byCorr, id)
	}
	s.byTask = make(map[string]map[string]struct{})
	s.closed = true
	s.notifyLocked()
}

func (s *Service) removeLocked(correlationID, taskID string) {
	delete(s.byCorr, correlationID)
	if ids, ok := s.byTask[taskID]; ok {
		delete(ids, correlationID)
		if len(ids) == 0 {
			delete(s.byTask, taskID)
		}
	}
}

func (s *Service) notifyLocked() {
	if s.OnChange != nil {
		s.OnChange(len(s.byCorr))
	}
}
