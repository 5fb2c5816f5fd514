package scheduler

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RepeatKind is the recurrence unit of a schedule.
type RepeatKind string

const (
	RepeatNone    RepeatKind = "none"
	RepeatSeconds RepeatKind = "seconds"
	RepeatMinutes RepeatKind = "minutes"
	RepeatHours   RepeatKind = "hours"
	RepeatDays    RepeatKind = "days"
	RepeatWeeks   RepeatKind = "weeks"
	RepeatMonths  RepeatKind = "months"
	RepeatYears   RepeatKind = "years"
	RepeatCron    RepeatKind = "cron"
)

// Schedule describes when a scheduled task runs.
type Schedule struct {
	Repeat     RepeatKind `yaml:"repeat" json:"repeat"`
	Every      int        `yaml:"every,omitempty" json:"every,omitempty"`
	StartAt    time.Time  `yaml:"start_at" json:"start_at"`
	EndAt      *time.Time `yaml:"end_at,omitempty" json:"end_at,omitempty"`
	TimeoutSec int        `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
	Cron       string     `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// Timeout returns the per-run timeout, or 0 when unbounded.
func (s *Schedule) Timeout() time.Duration {
	if s == nil || s.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule for consistency.
func (s *Schedule) Validate() error {
	if s.StartAt.IsZero() && s.Repeat != RepeatCron {
		return fmt.Errorf("schedule start_at is required")
	}
	if s.EndAt != nil && s.EndAt.Before(s.StartAt) {
		return fmt.Errorf("schedule end_at is before start_at")
	}
	switch s.Repeat {
	case RepeatNone, "":
	case RepeatSeconds, RepeatMinutes, RepeatHours, RepeatDays, RepeatWeeks, RepeatMonths, RepeatYears:
		if s.Every <= 0 {
			return fmt.Errorf("schedule every must be positive for %s", s.Repeat)
		}
	case RepeatCron:
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("parse cron expression %q: %w", s.Cron, err)
		}
	default:
		return fmt.Errorf("unknown repeat kind %q", s.Repeat)
	}
	return nil
}

func (s *Schedule) step() time.Duration {
	n := time.Duration(s.Every)
	switch s.Repeat {
	case RepeatSeconds:
		return n * time.Second
	case RepeatMinutes:
		return n * time.Minute
	case RepeatHours:
		return n * time.Hour
	case RepeatDays:
		return n * 24 * time.Hour
	case RepeatWeeks:
		return n * 7 * 24 * time.Hour
	}
	return 0
}

// NextRunAt returns the earliest occurrence at or after from. The result is
// never before StartAt and never after EndAt; ok is false when no occurrence
// remains inside the window, in which case the clamped bound is returned.
func NextRunAt(s *Schedule, from time.Time) (next time.Time, ok bool) {
	if !s.StartAt.IsZero() && !from.After(s.StartAt) && s.Repeat != RepeatCron {
		return s.StartAt, true
	}

	switch s.Repeat {
	case RepeatNone, "":
		return s.StartAt, false
	case RepeatSeconds, RepeatMinutes, RepeatHours, RepeatDays, RepeatWeeks:
		delta := s.step()
		n := math.Ceil(float64(from.Sub(s.StartAt)) / float64(delta))
		next = s.StartAt.Add(time.Duration(n) * delta)
	case RepeatMonths, RepeatYears:
		next = nextCalendar(s, from)
	case RepeatCron:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return from, false
		}
		if from.Before(s.StartAt) {
			from = s.StartAt
		}
		next = sched.Next(from.Add(-time.Nanosecond))
		if next.IsZero() {
			return from, false
		}
	default:
		return s.StartAt, false
	}

	if s.EndAt != nil && next.After(*s.EndAt) {
		return *s.EndAt, false
	}
	return next, true
}

// ShouldRunNow reports whether an occurrence at or after from is due.
func ShouldRunNow(s *Schedule, from, now time.Time) bool {
	next, ok := NextRunAt(s, from)
	return ok && !now.Before(next)
}

// nextCalendar steps month-wise from StartAt. Every occurrence is derived
// from the original start day so a clamped month does not drift later ones.
func nextCalendar(s *Schedule, from time.Time) time.Time {
	months := s.Every
	if s.Repeat == RepeatYears {
		months *= 12
	}
	start := s.StartAt
	elapsed := (from.Year()-start.Year())*12 + int(from.Month()-start.Month())
	k := elapsed / months
	if k < 0 {
		k = 0
	}
	for {
		occ := addMonthsClamped(start, k*months)
		if !occ.Before(from) {
			return occ
		}
		k++
	}
}

// addMonthsClamped adds months to t keeping the day of month, clamped to the
// last valid day of the target month (Feb 29 becomes Feb 28 on common years).
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	ty := y + total/12
	tm := time.Month(total%12 + 1)
	if total < 0 && total%12 != 0 {
		ty--
		tm = time.Month(total%12 + 13)
	}
	if last := daysIn(ty, tm, t.Location()); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Priority orders ready scheduled tasks; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps a manifest value to a Priority. Unknown values are normal.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "urgent", "critical":
		return PriorityUrgent, true
	}
	return PriorityNormal, false
}

// Candidate is a schedulable task as seen by SelectReady.
type Candidate interface {
	ID() string
	Priority() Priority
	Schedule() *Schedule
	LastRunAt() time.Time
	Busy() bool
}

// DueAt returns the occurrence a candidate is waiting for: the first one
// after its last run, or StartAt if it never ran.
func DueAt(c Candidate) (time.Time, bool) {
	s := c.Schedule()
	if s == nil {
		return time.Time{}, false
	}
	last := c.LastRunAt()
	if last.IsZero() {
		return NextRunAt(s, s.StartAt)
	}
	return NextRunAt(s, last.Add(time.Nanosecond))
}

// SelectReady returns the idle candidate with the earliest due occurrence
// that is not after now. Ties go to higher priority, then lower id.
func SelectReady[C Candidate](cands []C, now time.Time) (C, bool) {
	type ready struct {
		c   C
		due time.Time
	}
	var rs []ready
	for _, c := range cands {
		if c.Busy() {
			continue
		}
		due, ok := DueAt(c)
		if !ok || due.After(now) {
			continue
		}
		rs = append(rs, ready{c: c, due: due})
	}
	var zero C
	if len(rs) == 0 {
		return zero, false
	}
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].due.Equal(rs[j].due) {
			return rs[i].due.Before(rs[j].due)
		}
		if rs[i].c.Priority() != rs[j].c.Priority() {
			return rs[i].c.Priority() > rs[j].c.Priority()
		}
		return rs[i].c.ID() < rs[j].c.ID()
	})
	return rs[0].c, true
}
