package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentrt/internal/logging"
)

// Dispatcher runs one scheduled execution and returns when it has finished.
// It must advance the candidate's LastRunAt, even on failure.
type Dispatcher func(ctx context.Context, c Candidate) error

var errStarted = errors.New("scheduler already started")

// minSleep keeps an overdue candidate that cannot be selected yet from
// spinning the loop.
const minSleep = 10 * time.Millisecond

// Scheduler is the single worker behind schedule-triggered tasks. It runs
// one execution at a time, picking the ready candidate SelectReady prefers,
// and sleeps until the earliest upcoming occurrence or the poll interval,
// whichever is sooner.
type Scheduler struct {
	list     func() []Candidate
	dispatch Dispatcher
	poll     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	running sync.Mutex // held for the duration of one dispatch
	wake    chan struct{}

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

// New creates a Scheduler over the candidates returned by list.
func New(list func() []Candidate, dispatch Dispatcher, poll time.Duration, logger *slog.Logger) *Scheduler {
	if poll <= 0 {
		poll = time.Second
	}
	return &Scheduler{
		list:     list,
		dispatch: dispatch,
		poll:     poll,
		now:      time.Now,
		logger:   logging.OrDefault(logger),
		wake:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errStarted
	}
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", slog.Duration("poll", s.poll))
	return nil
}

// Wake makes the loop re-examine candidates now, e.g. after a task was added.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
		for ctx.Err() == nil && s.Tick(ctx) {
		}
		timer.Reset(s.sleep())
	}
}

// sleep is the time until the next known occurrence, capped at the poll
// interval so newly added or reset tasks are noticed.
func (s *Scheduler) sleep() time.Duration {
	d := s.poll
	now := s.now()
	for _, c := range s.list() {
		if c.Busy() {
			continue
		}
		if due, ok := DueAt(c); ok {
			d = min(d, due.Sub(now))
		}
	}
	return max(d, minSleep)
}

// Tick dispatches at most one ready candidate and reports whether it did.
// A Tick that overlaps a running dispatch does nothing.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.TryLock() {
		return false
	}
	defer s.running.Unlock()

	c, ok := SelectReady(s.list(), s.now())
	if !ok {
		return false
	}
	ctx = logging.WithTaskID(ctx, c.ID())
	if limit := c.Schedule().Timeout(); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	s.logger.InfoContext(ctx, "running scheduled task", slog.String("priority", c.Priority().String()))
	if err := s.dispatch(ctx, c); err != nil {
		s.logger.ErrorContext(ctx, "scheduled task failed", slog.String("error", err.Error()))
	}
	return true
}

// Stop ends the loop and waits for an in-flight dispatch to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	s.stop()
	<-s.done
	s.stop, s.done = nil, nil
	s.logger.Info("scheduler stopped")
	return nil
}
