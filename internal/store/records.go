package store

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/pkg/schema"
	"golang.org/x/sync/singleflight"
)

const historyTrimBatch = 100

// Options configures record retention.
type Options struct {
	MaxTasks        int
	Retention       time.Duration
	MaxHistory      int
	CleanupInterval time.Duration
}

// DefaultOptions returns 10 000 records, 24h retention, 1 000 history
// entries per record and an hourly cleanup.
func DefaultOptions() Options {
	return Options{
		MaxTasks:        10000,
		Retention:       24 * time.Hour,
		MaxHistory:      1000,
		CleanupInterval: time.Hour,
	}
}

type record struct {
	task        schema.Task
	createdAt   time.Time
	completedAt time.Time
}

type aged struct {
	id string
	at time.Time
}

// CleanupStats reports what one cleanup pass did.
type CleanupStats struct {
	Expired int
	Trimmed int
	History int
}

// TaskStore holds the A2A task records served to clients, keyed by request
// id. Only terminal records are evicted; live ones are kept regardless of age.
type TaskStore struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	records     map[string]*record
	lastCleanup time.Time

	sf sync.WaitGroup
	g  singleflight.Group

	// OnEvict is called with the ids removed by a cleanup pass, outside the
	// store lock.
	OnEvict func(ids []string)
}

func NewTaskStore(opts Options, logger *slog.Logger) *TaskStore {
	d := DefaultOptions()
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = d.MaxTasks
	}
	if opts.Retention <= 0 {
		opts.Retention = d.Retention
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = d.MaxHistory
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = d.CleanupInterval
	}
	return &TaskStore{
		opts:        opts,
		logger:      logging.OrDefault(logger),
		now:         time.Now,
		records:     make(map[string]*record),
		lastCleanup: time.Now(),
	}
}

// Put inserts or replaces a record. A record entering a terminal state gets
// its completion time stamped.
func (s *TaskStore) Put(t schema.Task) {
	now := s.now()
	s.mu.Lock()
	r, ok := s.records[t.ID]
	if !ok {
		r = &record{createdAt: now}
		s.records[t.ID] = r
	}
	r.task = cloneTask(t)
	terminal := t.Status.State.Terminal()
	if terminal && r.completedAt.IsZero() {
		r.completedAt = now
	} else if !terminal {
		r.completedAt = time.Time{}
	}
	s.mu.Unlock()

	if !ok || terminal {
		s.maybeCleanup(now)
	}
}

// Get returns a copy of the record.
func (s *TaskStore) Get(id string) (schema.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return schema.Task{}, false
	}
	return cloneTask(r.task), true
}

// Update applies fn to the record under the store lock.
func (s *TaskStore) Update(id string, fn func(*schema.Task)) (schema.Task, error) {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", id)
	}
	fn(&r.task)
	terminal := r.task.Status.State.Terminal()
	now := s.now()
	if terminal && r.completedAt.IsZero() {
		r.completedAt = now
	}
	out := cloneTask(r.task)
	s.mu.Unlock()

	if terminal {
		s.maybeCleanup(now)
	}
	return out, nil
}

// AppendHistory appends messages to the record's history.
func (s *TaskStore) AppendHistory(id string, msgs ...schema.Message) error {
	_, err := s.Update(id, func(t *schema.Task) {
		t.History = append(t.History, msgs...)
	})
	return err
}

func (s *TaskStore) Delete(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Wait blocks until background cleanups finish.
func (s *TaskStore) Wait() { s.sf.Wait() }

func (s *TaskStore) maybeCleanup(now time.Time) {
	s.mu.Lock()
	due := now.Sub(s.lastCleanup) >= s.opts.CleanupInterval
	if due {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.sf.Add(1)
	go func() {
		defer s.sf.Done()
		_, _, _ = s.g.Do("cleanup", func() (any, error) {
			return s.Cleanup(s.now()), nil
		})
	}()
}

// Cleanup runs one retention pass. Each phase holds the lock only briefly.
func (s *TaskStore) Cleanup(now time.Time) CleanupStats {
	var stats CleanupStats

	// Phase 1: terminal records past retention, plus the oldest terminal
	// records while over capacity.
	s.mu.Lock()
	var expired []string
	var terminal []aged
	for id, r := range s.records {
		if r.completedAt.IsZero() {
			continue
		}
		if now.Sub(r.completedAt) > s.opts.Retention {
			expired = append(expired, id)
			continue
		}
		terminal = append(terminal, aged{id, r.completedAt})
	}
	over := len(s.records) - len(expired) - s.opts.MaxTasks
	s.mu.Unlock()

	stats.Expired = len(expired)
	evict := expired
	if over > 0 {
		sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })
		for i := 0; i < over && i < len(terminal); i++ {
			evict = append(evict, terminal[i].id)
			stats.Trimmed++
		}
	}

	// Phase 2: remove.
	if len(evict) > 0 {
		s.mu.Lock()
		for _, id := range evict {
			delete(s.records, id)
		}
		s.mu.Unlock()
		if s.OnEvict != nil {
			s.OnEvict(evict)
		}
	}

	// Phase 3: trim histories in batches.
	s.mu.Lock()
	var long []string
	for id, r := range s.records {
		if len(r.task.History) > s.opts.MaxHistory {
			long = append(long, id)
		}
	}
	s.mu.Unlock()
	for batch := range slices.Chunk(long, historyTrimBatch) {
		s.mu.Lock()
		for _, id := range batch {
			r, ok := s.records[id]
			if !ok || len(r.task.History) <= s.opts.MaxHistory {
				continue
			}
			r.task.History = slices.Clone(r.task.History[len(r.task.History)-s.opts.MaxHistory:])
			stats.History++
		}
		s.mu.Unlock()
	}

	if stats != (CleanupStats{}) {
		s.logger.Info("task store cleanup", "expired", stats.Expired, "trimmed", stats.Trimmed, "history_trimmed", stats.History)
	}
	return stats
}

func cloneTask(t schema.Task) schema.Task {
	out := t
	out.History = slices.Clone(t.History)
	out.Artifacts = slices.Clone(t.Artifacts)
	return out
}
