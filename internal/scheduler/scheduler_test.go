package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

type fakeTask struct {
	id       string
	priority Priority
	schedule *Schedule

	mu      sync.Mutex
	lastRun time.Time
	busy    bool
}

func (f *fakeTask) ID() string           { return f.id }
func (f *fakeTask) Priority() Priority   { return f.priority }
func (f *fakeTask) Schedule() *Schedule  { return f.schedule }
func (f *fakeTask) Busy() bool           { return f.busy }
func (f *fakeTask) LastRunAt() time.Time { f.mu.Lock(); defer f.mu.Unlock(); return f.lastRun }

func (f *fakeTask) ran(at time.Time) { f.mu.Lock(); f.lastRun = at; f.mu.Unlock() }

func TestNextRunAt_FixedInterval(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	s := &Schedule{Repeat: RepeatMinutes, Every: 15, StartAt: start}

	next, ok := NextRunAt(s, start.Add(-time.Hour))
	assert.True(t, ok)
	assert.Equal(t, start, next)

	next, _ = NextRunAt(s, start.Add(16*time.Minute))
	assert.Equal(t, start.Add(30*time.Minute), next)

	next, _ = NextRunAt(s, start.Add(30*time.Minute))
	assert.Equal(t, start.Add(30*time.Minute), next, "boundary is inclusive")
}

func TestNextRunAt_ClampedToEnd(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	end := start.Add(50 * time.Minute)
	s := &Schedule{Repeat: RepeatHours, Every: 1, StartAt: start, EndAt: &end}

	next, ok := NextRunAt(s, start.Add(10*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, end, next)
}

func TestNextRunAt_LeapDayYearly(t *testing.T) {
	s := &Schedule{Repeat: RepeatYears, Every: 1, StartAt: date(2024, 2, 29, 0, 0)}

	next, ok := NextRunAt(s, date(2024, 3, 1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, date(2025, 2, 28, 0, 0), next)

	next, _ = NextRunAt(s, date(2027, 3, 1, 0, 0))
	assert.Equal(t, date(2028, 2, 29, 0, 0), next, "leap years keep the 29th")
}

func TestNextRunAt_MonthlyClampsDay(t *testing.T) {
	s := &Schedule{Repeat: RepeatMonths, Every: 1, StartAt: date(2023, 1, 31, 9, 0)}

	next, _ := NextRunAt(s, date(2023, 2, 1, 0, 0))
	assert.Equal(t, date(2023, 2, 28, 9, 0), next)

	next, _ = NextRunAt(s, date(2023, 3, 1, 0, 0))
	assert.Equal(t, date(2023, 3, 31, 9, 0), next, "clamping does not drift later months")

	next, _ = NextRunAt(s, date(2023, 4, 15, 0, 0))
	assert.Equal(t, date(2023, 4, 30, 9, 0), next)
}

func TestNextRunAt_NoneAndCron(t *testing.T) {
	start := date(2024, 5, 1, 8, 0)
	once := &Schedule{Repeat: RepeatNone, StartAt: start}
	next, ok := NextRunAt(once, start)
	assert.True(t, ok)
	assert.Equal(t, start, next)
	_, ok = NextRunAt(once, start.Add(time.Second))
	assert.False(t, ok)

	daily := &Schedule{Repeat: RepeatCron, Cron: "30 9 * * *", StartAt: start}
	next, ok = NextRunAt(daily, start)
	require.True(t, ok)
	assert.Equal(t, date(2024, 5, 1, 9, 30), next)
	next, _ = NextRunAt(daily, date(2024, 5, 1, 9, 30))
	assert.Equal(t, date(2024, 5, 1, 9, 30), next)
}

func TestNextRunAt_WindowInvariant(t *testing.T) {
	start := date(2024, 1, 10, 0, 0)
	end := date(2024, 6, 1, 0, 0)
	kinds := []RepeatKind{RepeatSeconds, RepeatMinutes, RepeatHours, RepeatDays, RepeatWeeks, RepeatMonths, RepeatYears}
	for _, k := range kinds {
		s := &Schedule{Repeat: k, Every: 3, StartAt: start, EndAt: &end}
		for _, from := range []time.Time{start.Add(-time.Hour), start.Add(37 * time.Hour), date(2024, 5, 30, 0, 0), end.Add(time.Hour)} {
			next, _ := NextRunAt(s, from)
			assert.False(t, next.Before(start), "%s from %s", k, from)
			assert.False(t, next.After(end), "%s from %s", k, from)
		}
	}
}

func TestShouldRunNow(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	s := &Schedule{Repeat: RepeatSeconds, Every: 10, StartAt: start}
	assert.True(t, ShouldRunNow(s, start, start))
	assert.False(t, ShouldRunNow(s, start.Add(time.Second), start.Add(5*time.Second)))
	assert.True(t, ShouldRunNow(s, start.Add(time.Second), start.Add(10*time.Second)))
}

func TestValidate(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	before := start.Add(-time.Hour)
	assert.NoError(t, (&Schedule{Repeat: RepeatDays, Every: 1, StartAt: start}).Validate())
	assert.Error(t, (&Schedule{Repeat: RepeatDays, StartAt: start}).Validate())
	assert.Error(t, (&Schedule{Repeat: RepeatDays, Every: 1}).Validate())
	assert.Error(t, (&Schedule{Repeat: RepeatDays, Every: 1, StartAt: start, EndAt: &before}).Validate())
	assert.Error(t, (&Schedule{Repeat: RepeatCron, Cron: "bogus"}).Validate())
	assert.Error(t, (&Schedule{Repeat: "fortnights", Every: 1, StartAt: start}).Validate())
}

func TestSelectReady_Ordering(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	now := start.Add(time.Hour)
	every := func(n int) *Schedule { return &Schedule{Repeat: RepeatMinutes, Every: n, StartAt: start} }

	a := &fakeTask{id: "b", priority: PriorityNormal, schedule: every(10)}
	b := &fakeTask{id: "a", priority: PriorityNormal, schedule: every(10)}
	c := &fakeTask{id: "c", priority: PriorityHigh, schedule: every(10)}
	busy := &fakeTask{id: "0", priority: PriorityUrgent, schedule: every(10), busy: true}
	future := &fakeTask{id: "f", priority: PriorityUrgent, schedule: &Schedule{Repeat: RepeatNone, StartAt: now.Add(time.Minute)}}

	got, ok := SelectReady([]*fakeTask{a, b, c, busy, future}, now)
	require.True(t, ok)
	assert.Equal(t, "c", got.ID(), "higher priority wins ties")

	c.ran(now)
	got, _ = SelectReady([]*fakeTask{a, b, c}, now)
	assert.Equal(t, "a", got.ID(), "then ascending id")

	// The earliest due occurrence wins.
	b.ran(start.Add(50 * time.Minute))
	a.ran(start.Add(20 * time.Minute))
	got, _ = SelectReady([]*fakeTask{a, b}, now)
	assert.Equal(t, "b", got.ID())

	_, ok = SelectReady([]*fakeTask{}, now)
	assert.False(t, ok)
}

func TestSelectReady_MissedBoundaryStillRuns(t *testing.T) {
	start := date(2024, 1, 1, 0, 0)
	task := &fakeTask{id: "t", schedule: &Schedule{Repeat: RepeatMinutes, Every: 1, StartAt: start}}
	task.ran(start)

	_, ok := SelectReady([]*fakeTask{task}, start.Add(90*time.Second))
	assert.True(t, ok)
}

func TestScheduler_DispatchesDueTasks(t *testing.T) {
	task := &fakeTask{id: "t1", schedule: &Schedule{Repeat: RepeatNone, StartAt: time.Now().Add(-time.Minute)}}

	var mu sync.Mutex
	var runs []string
	s := New(func() []Candidate { return []Candidate{task} }, func(ctx context.Context, c Candidate) error {
		mu.Lock()
		runs = append(runs, c.ID())
		mu.Unlock()
		task.ran(time.Now())
		return nil
	}, 10*time.Millisecond, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(runs) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1"}, runs)
}

func TestScheduler_AppliesRunTimeout(t *testing.T) {
	task := &fakeTask{id: "t1", schedule: &Schedule{Repeat: RepeatNone, StartAt: time.Now().Add(-time.Minute), TimeoutSec: 1}}
	var deadline bool
	s := New(func() []Candidate { return []Candidate{task} }, func(ctx context.Context, c Candidate) error {
		_, deadline = ctx.Deadline()
		task.ran(time.Now())
		return nil
	}, time.Hour, nil)

	assert.True(t, s.Tick(context.Background()))
	assert.True(t, deadline)
	assert.False(t, s.Tick(context.Background()))
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("HIGH")
	assert.True(t, ok)
	assert.Equal(t, PriorityHigh, p)
	p, ok = ParsePriority("whenever")
	assert.False(t, ok)
	assert.Equal(t, PriorityNormal, p)
	assert.Equal(t, "urgent", PriorityUrgent.String())
}

func TestScheduler_SleepsUntilNextOccurrence(t *testing.T) {
	now := date(2026, 3, 1, 12, 0)
	soon := &fakeTask{id: "soon", schedule: &Schedule{Repeat: RepeatNone, StartAt: now.Add(2 * time.Second)}}
	later := &fakeTask{id: "later", schedule: &Schedule{Repeat: RepeatNone, StartAt: now.Add(time.Hour)}}

	s := New(func() []Candidate { return []Candidate{later, soon} }, nil, time.Minute, nil)
	s.now = func() time.Time { return now }
	assert.Equal(t, 2*time.Second, s.sleep())

	s.list = func() []Candidate { return []Candidate{later} }
	assert.Equal(t, time.Minute, s.sleep())
}

func TestScheduler_WakeRunsWithoutWaitingForPoll(t *testing.T) {
	var mu sync.Mutex
	var cands []Candidate
	ran := make(chan string, 1)
	s := New(func() []Candidate {
		mu.Lock()
		defer mu.Unlock()
		return cands
	}, func(ctx context.Context, c Candidate) error {
		c.(*fakeTask).ran(time.Now())
		ran <- c.ID()
		return nil
	}, time.Hour, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	cands = []Candidate{&fakeTask{id: "t1", schedule: &Schedule{Repeat: RepeatNone, StartAt: time.Now().Add(-time.Second)}}}
	mu.Unlock()
	s.Wake()

	select {
	case id := <-ran:
		assert.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("wake did not trigger a dispatch")
	}
}
