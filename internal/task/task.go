// Package task holds the runtime's long-lived task: its identity, lifecycle
// status, work queue, pending async operations and checkpoint stack.
package task

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/pkg/schema"
)

// ValidTransitions lists the allowed status transitions within one run.
var ValidTransitions = map[schema.TaskState][]schema.TaskState{
	schema.TaskStateSubmitted:     {schema.TaskStateWorking, schema.TaskStateFailed, schema.TaskStateCanceled},
	schema.TaskStateWorking:       {schema.TaskStateInputRequired, schema.TaskStateCompleted, schema.TaskStateFailed, schema.TaskStateCanceled},
	schema.TaskStateInputRequired: {schema.TaskStateWorking, schema.TaskStateFailed, schema.TaskStateCanceled},
	schema.TaskStateCompleted:     {},
	schema.TaskStateFailed:        {},
	schema.TaskStateCanceled:      {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.TaskState) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// CheckpointEntry is one interrupt on the checkpoint stack.
type CheckpointEntry struct {
	Tag        string          `json:"tag"`
	Checkpoint *skill.Snapshot `json:"checkpoint"`
}

// Spec is the static description a Task is built from.
type Spec struct {
	ID          string
	Name        string
	Description string
	AgentID     string
	Skill       string
	Trigger     skill.Trigger
	Priority    scheduler.Priority
	Schedule    *scheduler.Schedule
	QueueSize   int
}

// Task is a long-lived workflow execution unit.
type Task struct {
	id          string
	name        string
	description string
	agentID     string
	skillName   string
	trigger     skill.Trigger
	priority    scheduler.Priority
	schedule    *scheduler.Schedule

	Queue   *Queue
	Pending *PendingRegistry
	Pause   *Gate

	// exec serializes executions of this task.
	exec sync.Mutex

	cancelled atomic.Bool
	busy      atomic.Bool
	// droppedTimeouts counts timeout events lost to a full queue.
	droppedTimeouts atomic.Uint64

	mu            sync.RWMutex
	runID         string
	sessionID     string
	status        schema.TaskState
	statusMessage map[string]any
	checkpoints   []CheckpointEntry
	state         map[string]any
	config        *skill.RunConfig
	resumeFrom    string
	createdAt     time.Time
	lastRunAt     time.Time
	completedAt   time.Time
	justStarted   bool
	alreadyRun    bool
	pendingSince  time.Time
	requests      []string
}

// New creates a task in Submitted state. The pending registry is bound to
// timers; timeouts are enqueued on the task's own queue.
func New(spec Spec, timers Timers) *Task {
	t := &Task{
		id:          spec.ID,
		name:        spec.Name,
		description: spec.Description,
		agentID:     spec.AgentID,
		skillName:   spec.Skill,
		trigger:     spec.Trigger,
		priority:    spec.Priority,
		schedule:    spec.Schedule,
		Queue:       NewQueue(spec.QueueSize),
		Pause:       NewGate(),
		runID:       uuid.NewString(),
		status:      schema.TaskStateSubmitted,
		state:       map[string]any{},
		createdAt:   time.Now(),
		justStarted: true,
	}
	t.Pending = NewPendingRegistry(spec.ID, timers, t.enqueueTimeout)
	return t
}

func (t *Task) enqueueTimeout(ev PendingEvent) {
	ok := t.Queue.TryPush(&Inbound{
		Type:          InboundAsyncTimeout,
		CorrelationID: ev.CorrelationID,
		Error:         ev.Error,
		Metadata:      map[string]any{"source_node": ev.SourceNode},
	})
	if ok {
		return
	}
	t.droppedTimeouts.Add(1)
	slog.Warn("queue full, timeout event dropped",
		"task_id", t.id, "correlation_id", ev.CorrelationID, "source_node", ev.SourceNode)
}

// DroppedTimeouts returns how many timeout events were lost to a full queue.
// The pending entry itself stays timed out.
func (t *Task) DroppedTimeouts() uint64 { return t.droppedTimeouts.Load() }

func (t *Task) ID() string                    { return t.id }
func (t *Task) Name() string                  { return t.name }
func (t *Task) Description() string           { return t.description }
func (t *Task) AgentID() string               { return t.agentID }
func (t *Task) SkillName() string             { return t.skillName }
func (t *Task) Trigger() skill.Trigger        { return t.trigger }
func (t *Task) Priority() scheduler.Priority  { return t.priority }
func (t *Task) Schedule() *scheduler.Schedule { return t.schedule }

// Busy reports whether an execution is in flight.
func (t *Task) Busy() bool { return t.busy.Load() }

// Lock acquires the per-task execution slot. The returned func releases it.
func (t *Task) Lock() func() {
	t.exec.Lock()
	t.busy.Store(true)
	return func() {
		t.busy.Store(false)
		t.exec.Unlock()
	}
}

// TryLock is Lock without blocking.
func (t *Task) TryLock() (func(), bool) {
	if !t.exec.TryLock() {
		return nil, false
	}
	t.busy.Store(true)
	return func() {
		t.busy.Store(false)
		t.exec.Unlock()
	}, true
}

// Cancel sets the cancel signal. It reports whether this call set it.
func (t *Task) Cancel() bool { return t.cancelled.CompareAndSwap(false, true) }

// Cancelled reports whether the cancel signal is set.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

func (t *Task) Status() schema.TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) RunID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runID
}

func (t *Task) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

func (t *Task) SetSessionID(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// TransitionTo moves the task to status to and returns the previous one.
func (t *Task) TransitionTo(to schema.TaskState) (schema.TaskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.status
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid task transition: %s -> %s", from, to).
			WithTask(t.id).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	t.status = to
	if to.Terminal() {
		t.completedAt = time.Now()
	}
	return from, nil
}

// BeginRun starts a new run after a Completed or Failed one: a fresh run
// id, Submitted status and an empty checkpoint stack. Thread id is kept.
// Canceled tasks never run again.
func (t *Task) BeginRun() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case schema.TaskStateCompleted, schema.TaskStateFailed:
		t.runID = uuid.NewString()
		t.status = schema.TaskStateSubmitted
		t.checkpoints = nil
		t.completedAt = time.Time{}
		return true, nil
	case schema.TaskStateCanceled:
		return false, schema.NewError(schema.ErrCodeNotCancelable, "task was canceled").WithTask(t.id)
	}
	return false, nil
}

func (t *Task) StatusMessage() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return mapping.CloneMap(t.statusMessage)
}

func (t *Task) SetStatusMessage(m map[string]any) {
	t.mu.Lock()
	t.statusMessage = mapping.CloneMap(m)
	t.mu.Unlock()
}

// State returns a deep copy of metadata.state.
func (t *Task) State() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return mapping.CloneMap(t.state)
}

// SetState replaces metadata.state.
func (t *Task) SetState(s map[string]any) {
	t.mu.Lock()
	t.state = mapping.CloneMap(s)
	if t.state == nil {
		t.state = map[string]any{}
	}
	t.mu.Unlock()
}

// MergeState deep-merges patch into metadata.state.
func (t *Task) MergeState(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	t.mu.Lock()
	t.state = mapping.MergeDeep(t.state, patch)
	t.mu.Unlock()
}

// EnsureConfig returns metadata.config, minting it on first use. The
// thread id never changes afterwards.
func (t *Task) EnsureConfig() *skill.RunConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.config == nil || t.config.ThreadID() == "" {
		t.config = skill.NewRunConfig()
	}
	return t.config.Clone()
}

// Config returns a copy of metadata.config, or nil before the first run.
func (t *Task) Config() *skill.RunConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config.Clone()
}

// PushCheckpoint appends an interrupt checkpoint.
func (t *Task) PushCheckpoint(tag string, cp *skill.Snapshot) {
	t.mu.Lock()
	t.checkpoints = append(t.checkpoints, CheckpointEntry{Tag: tag, Checkpoint: cp})
	t.mu.Unlock()
}

// PopCheckpoint removes the most recent entry with tag. An empty tag pops
// the top of the stack.
func (t *Task) PopCheckpoint(tag string) (CheckpointEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.checkpoints) - 1; i >= 0; i-- {
		if tag == "" || t.checkpoints[i].Tag == tag {
			e := t.checkpoints[i]
			t.checkpoints = slices.Delete(t.checkpoints, i, i+1)
			return e, true
		}
	}
	return CheckpointEntry{}, false
}

// PeekCheckpoint returns the top of the stack.
func (t *Task) PeekCheckpoint() (CheckpointEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.checkpoints) == 0 {
		return CheckpointEntry{}, false
	}
	return t.checkpoints[len(t.checkpoints)-1], true
}

// Checkpoints returns the stack, oldest first.
func (t *Task) Checkpoints() []CheckpointEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.checkpoints)
}

// ClearCheckpoints empties the stack.
func (t *Task) ClearCheckpoints() {
	t.mu.Lock()
	t.checkpoints = nil
	t.mu.Unlock()
}

func (t *Task) ResumeFrom() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resumeFrom
}

func (t *Task) SetResumeFrom(node string) {
	t.mu.Lock()
	t.resumeFrom = node
	t.mu.Unlock()
}

func (t *Task) CreatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createdAt
}

func (t *Task) LastRunAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRunAt
}

// MarkRun stamps lastRunAt.
func (t *Task) MarkRun(at time.Time) {
	t.mu.Lock()
	t.lastRunAt = at
	t.alreadyRun = true
	t.mu.Unlock()
}

func (t *Task) CompletedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedAt
}

func (t *Task) AlreadyRun() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alreadyRun
}

// JustStarted reports whether the next execution is an initial run rather
// than a resume.
func (t *Task) JustStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.justStarted
}

// MarkInterrupted records that the run paused and is waiting since now.
func (t *Task) MarkInterrupted(now time.Time) {
	t.mu.Lock()
	t.justStarted = false
	t.pendingSince = now
	t.mu.Unlock()
}

// MarkSettled records that the run ended and the next execution starts fresh.
func (t *Task) MarkSettled() {
	t.mu.Lock()
	t.justStarted = true
	t.pendingSince = time.Time{}
	t.mu.Unlock()
}

// PendingSince returns when the task started waiting, or zero.
func (t *Task) PendingSince() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pendingSince
}

// AddRequest records a synchronous request id served by the current run.
func (t *Task) AddRequest(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	if !slices.Contains(t.requests, id) {
		t.requests = append(t.requests, id)
	}
	t.mu.Unlock()
}

// TakeRequests returns and clears the recorded request ids.
func (t *Task) TakeRequests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.requests
	t.requests = nil
	return out
}

// Requests returns the recorded request ids.
func (t *Task) Requests() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.requests)
}

// Enqueue pushes an item on the work queue.
func (t *Task) Enqueue(ctx context.Context, in *Inbound) error {
	return t.Queue.Push(ctx, in)
}

// Restored carries persisted fields applied by Restore.
type Restored struct {
	RunID       string
	SessionID   string
	Status      schema.TaskState
	State       map[string]any
	Config      *skill.RunConfig
	ResumeFrom  string
	LastRunAt   time.Time
	AlreadyRun  bool
	Checkpoints []CheckpointEntry
}

// Restore applies a persisted snapshot. Working runs are reset to Submitted
// since no execution survives a restart.
func (t *Task) Restore(r Restored) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.RunID != "" {
		t.runID = r.RunID
	}
	t.sessionID = r.SessionID
	switch r.Status {
	case schema.TaskStateCompleted, schema.TaskStateFailed:
		t.status = r.Status
	case schema.TaskStateCanceled:
		t.status = r.Status
		t.cancelled.Store(true)
	case schema.TaskStateInputRequired:
		// Waiting runs resume from their saved checkpoints.
		if len(r.Checkpoints) > 0 {
			t.status = r.Status
			t.justStarted = false
			t.pendingSince = time.Now()
		} else {
			t.status = schema.TaskStateSubmitted
		}
	default:
		t.status = schema.TaskStateSubmitted
	}
	if r.State != nil {
		t.state = mapping.CloneMap(r.State)
	}
	if r.Config != nil {
		t.config = r.Config.Clone()
	}
	t.resumeFrom = r.ResumeFrom
	t.lastRunAt = r.LastRunAt
	t.alreadyRun = r.AlreadyRun
	t.checkpoints = slices.Clone(r.Checkpoints)
}
