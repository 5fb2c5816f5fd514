package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/metrics"
	"github.com/rendis/agentrt/internal/push"
	"github.com/rendis/agentrt/internal/resume"
	"github.com/rendis/agentrt/internal/routing"
	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/store"
	"github.com/rendis/agentrt/internal/streaming"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/internal/timer"
	"github.com/rendis/agentrt/internal/waiter"
	"github.com/rendis/agentrt/pkg/schema"
)

// RuntimeConfig holds the runtime knobs.
type RuntimeConfig struct {
	AgentID  string
	PoolSize int
	RunMode  string
	// TaskTimeout bounds a synchronous caller's wait for its request.
	TaskTimeout time.Duration
	// RunEventTimeout fails a paused run that received nothing for this long.
	RunEventTimeout time.Duration
	DevEventPoll    time.Duration
	DevEventTimeout time.Duration
	// IdlePoll is how long a queue worker blocks before checking its watchdog.
	IdlePoll      time.Duration
	SchedulerTick time.Duration
	QueueSize     int
	StopTimeout   time.Duration
	Records       store.Options
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		AgentID:         "agent",
		PoolSize:        DefaultPoolSize,
		RunMode:         skill.RunModeReleased,
		TaskTimeout:     180 * time.Second,
		RunEventTimeout: 600 * time.Second,
		DevEventPoll:    time.Second,
		DevEventTimeout: 300 * time.Second,
		IdlePoll:        500 * time.Millisecond,
		SchedulerTick:   time.Second,
		QueueSize:       256,
		StopTimeout:     10 * time.Second,
		Records:         store.DefaultOptions(),
	}
}

// Deps are the collaborators of a Runtime. Skills is required; the rest
// default to in-memory or disabled implementations.
type Deps struct {
	Skills    *skill.Registry
	Persister store.Persister
	Notifier  *push.Notifier
	Hub       streaming.EventHub
	Metrics   *metrics.Metrics
	Preparer  StatePreparer
	Timers    *timer.Service
	Logger    *slog.Logger
}

// Runtime is one agent's task runtime: its tasks and the services that
// route, run, resume and report them.
type Runtime struct {
	cfg       RuntimeConfig
	skills    *skill.Registry
	persister store.Persister
	push      *push.Notifier
	hub       streaming.EventHub
	metrics   *metrics.Metrics
	prep      StatePreparer
	timers    *timer.Service
	records   *store.TaskStore
	waiters   *waiter.Registry[schema.Task]
	router    *routing.Router
	resume    *resume.Builder
	fsm       *TaskFSM
	exec      *Executor
	pool      *WorkerPool
	logger    *slog.Logger

	mu     sync.RWMutex
	tasks  map[string]*task.Task
	owners map[string]string // request id -> task id

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	sched   *scheduler.Scheduler
	stopped bool
}

// NewRuntime wires a Runtime. Tasks are added with AddTask or AddManifest
// and start running on Start.
func NewRuntime(cfg RuntimeConfig, deps Deps) (*Runtime, error) {
	if deps.Skills == nil {
		return nil, fmt.Errorf("runtime needs a skill registry")
	}
	d := DefaultRuntimeConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = d.AgentID
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = d.TaskTimeout
	}
	if cfg.RunEventTimeout <= 0 {
		cfg.RunEventTimeout = d.RunEventTimeout
	}
	if cfg.DevEventPoll <= 0 {
		cfg.DevEventPoll = d.DevEventPoll
	}
	if cfg.DevEventTimeout <= 0 {
		cfg.DevEventTimeout = d.DevEventTimeout
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = d.IdlePoll
	}
	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = d.SchedulerTick
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = d.StopTimeout
	}

	logger := logging.OrDefault(deps.Logger)
	eval, err := mapping.NewEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("mapping evaluator: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		skills:    deps.Skills,
		persister: deps.Persister,
		push:      deps.Notifier,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		prep:      deps.Preparer,
		timers:    deps.Timers,
		records:   store.NewTaskStore(cfg.Records, logger),
		waiters:   waiter.New[schema.Task](logger),
		router:    routing.New(deps.Skills.Definition, logger),
		resume:    resume.NewBuilder(eval, deps.Skills.Definition, cfg.RunMode, logger),
		pool:      NewWorkerPool(cfg.PoolSize),
		logger:    logger,
		tasks:     make(map[string]*task.Task),
		owners:    make(map[string]string),
	}
	if rt.hub == nil {
		rt.hub = streaming.NewMemoryHub()
	}
	if rt.prep == nil {
		rt.prep = DefaultPreparer{}
	}
	if rt.timers == nil {
		rt.timers = timer.New(logger)
	}

	var appender EventAppender
	if deps.Persister != nil {
		appender = deps.Persister
	}
	rt.fsm = NewTaskFSM(appender, rt.hub, logger)
	rt.fsm.OnAfter(rt.project)
	rt.exec = NewExecutor(deps.Skills, rt.fsm, rt.registrar, logger)
	rt.exec.cancelPending = rt.cancelPending

	rt.router.OnRoute = rt.metrics.IncRouted
	rt.timers.OnChange = rt.metrics.SetArmedTimers
	rt.records.OnEvict = rt.evicted
	if rt.push != nil && rt.push.OnResult == nil {
		rt.push.OnResult = rt.metrics.IncPush
	}
	return rt, nil
}

// AddTask registers a long-lived task. Tasks added after Start get their
// worker immediately.
func (rt *Runtime) AddTask(spec task.Spec) (*task.Task, error) {
	if spec.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	if _, ok := rt.skills.Get(spec.Skill); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "skill %q not registered", spec.Skill).WithTask(spec.ID)
	}
	if spec.Trigger == skill.TriggerSchedule && spec.Schedule == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule trigger needs a schedule").WithTask(spec.ID)
	}
	if spec.AgentID == "" {
		spec.AgentID = rt.cfg.AgentID
	}
	if spec.QueueSize <= 0 {
		spec.QueueSize = rt.cfg.QueueSize
	}

	rt.mu.Lock()
	if _, ok := rt.tasks[spec.ID]; ok {
		rt.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", spec.ID)
	}
	t := task.New(spec, rt.timers)
	rt.tasks[spec.ID] = t
	rt.mu.Unlock()

	rt.runMu.Lock()
	if rt.group != nil && !rt.stopped {
		rt.launch(t)
		if spec.Trigger == skill.TriggerSchedule {
			rt.sched.Wake()
		}
	}
	rt.runMu.Unlock()
	return t, nil
}

// AddManifest applies a manifest's skill overrides and adds its tasks.
func (rt *Runtime) AddManifest(m *skill.Manifest) error {
	issues := m.Check(rt.skills)
	for _, w := range issues.Warnings {
		rt.logger.Warn("manifest warning", "path", w.Path, "message", w.Message)
	}
	if err := issues.ToError(); err != nil {
		return err
	}
	for i := range m.Skills {
		def := m.Skills[i]
		if err := rt.skills.Configure(&def); err != nil {
			return err
		}
		for event, rule := range def.EventRouting {
			if err := rt.router.CheckSelector(rule.TaskSelector); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "skill %s: event_routing.%s: %s", def.Name, event, err).WithCause(err)
			}
		}
	}
	for _, ts := range m.Tasks {
		prio, _ := scheduler.ParsePriority(ts.Priority)
		if _, err := rt.AddTask(task.Spec{
			ID:          ts.ID,
			Name:        ts.Name,
			Description: ts.Description,
			Skill:       ts.Skill,
			Trigger:     ts.Trigger,
			Priority:    prio,
			Schedule:    ts.Schedule,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Task returns a task by id.
func (rt *Runtime) Task(id string) (*task.Task, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	t, ok := rt.tasks[id]
	return t, ok
}

// Tasks returns every task ordered by id.
func (rt *Runtime) Tasks() []*task.Task {
	rt.mu.RLock()
	out := make([]*task.Task, 0, len(rt.tasks))
	for _, t := range rt.tasks {
		out = append(out, t)
	}
	rt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (rt *Runtime) Config() RuntimeConfig                  { return rt.cfg }
func (rt *Runtime) Records() *store.TaskStore              { return rt.records }
func (rt *Runtime) Waiters() *waiter.Registry[schema.Task] { return rt.waiters }
func (rt *Runtime) Hub() streaming.EventHub                { return rt.hub }
func (rt *Runtime) Notifier() *push.Notifier               { return rt.push }
func (rt *Runtime) Skills() *skill.Registry                { return rt.skills }
func (rt *Runtime) Timers() *timer.Service                 { return rt.timers }

// Submission is an inbound message addressed to the agent rather than to a
// specific task.
type Submission struct {
	RequestID string
	SessionID string
	Message   *schema.Message
	Metadata  map[string]any
	// AcceptedOutputModes, when set, must intersect the output modes of the
	// skill the message is routed to.
	AcceptedOutputModes []string
}

// Submit routes a message by its canonical event type and enqueues it on
// the matching task. It returns the task the message was delivered to.
func (rt *Runtime) Submit(ctx context.Context, sub Submission) (*task.Task, error) {
	eventType := routing.CanonicalType(sub.Metadata)
	ctx = logging.WithRequestID(ctx, sub.RequestID)
	t, err := rt.router.Route(ctx, eventType, rt.Tasks())
	if err != nil {
		return nil, err
	}
	if !rt.skills.Definition(t.SkillName()).AcceptsOutput(sub.AcceptedOutputModes) {
		return nil, schema.NewErrorf(schema.ErrCodeIncompatibleTypes, "skill %s supports none of the accepted output modes", t.SkillName()).
			WithDetails(map[string]any{"accepted": sub.AcceptedOutputModes})
	}
	in := &task.Inbound{
		Type:      task.InboundType(eventType),
		RequestID: sub.RequestID,
		SessionID: sub.SessionID,
		Message:   sub.Message,
		Metadata:  mapping.CloneMap(sub.Metadata),
	}
	if err := rt.Enqueue(ctx, t, in); err != nil {
		return nil, err
	}
	if sub.RequestID != "" {
		rt.mu.Lock()
		rt.owners[sub.RequestID] = t.ID()
		rt.mu.Unlock()
	}
	return t, nil
}

// Enqueue puts in on t's queue, waiting at most TaskTimeout for room.
func (rt *Runtime) Enqueue(ctx context.Context, t *task.Task, in *task.Inbound) error {
	if t.Cancelled() {
		return schema.NewError(schema.ErrCodeNotCancelable, "task was canceled").WithTask(t.ID())
	}
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.TaskTimeout)
	defer cancel()
	if err := t.Enqueue(ctx, in); err != nil {
		return err
	}
	rt.metrics.SetQueueDepth(t.ID(), t.Queue.Len())
	return nil
}

// Owner returns the task a request was routed to.
func (rt *Runtime) Owner(requestID string) (*task.Task, bool) {
	rt.mu.RLock()
	id, ok := rt.owners[requestID]
	rt.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rt.Task(id)
}

// RegisterAsyncOperation tracks a fire-and-forget operation started by
// taskID and returns its correlation id.
func (rt *Runtime) RegisterAsyncOperation(ctx context.Context, taskID, source string, timeout time.Duration) (string, error) {
	t, ok := rt.Task(taskID)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	if timeout <= 0 {
		return "", schema.NewError(schema.ErrCodeInvalidParams, "timeout must be positive").WithTask(taskID)
	}
	if t.Cancelled() {
		return "", schema.NewError(schema.ErrCodeCancelled, "task canceled").WithTask(taskID)
	}
	ev := t.Pending.Register(source, timeout)
	rt.metrics.AddPending(1)
	ctx = logging.WithCorrelationID(logging.WithTaskID(ctx, taskID), ev.CorrelationID)
	rt.fsm.Emit(ctx, t, schema.EventAsyncRegistered, source, ev)
	logging.LogWith(ctx, rt.logger).Info("async operation registered", "source", source, "timeout", timeout)
	return ev.CorrelationID, nil
}

func (rt *Runtime) registrar(t *task.Task) skill.AsyncRegistrar {
	return func(ctx context.Context, source string, timeout time.Duration) (string, error) {
		return rt.RegisterAsyncOperation(ctx, t.ID(), source, timeout)
	}
}

// RouteCallback delivers the result of an async operation to the task
// named by its correlation id. Ids the task already settled are dropped.
func (rt *Runtime) RouteCallback(ctx context.Context, correlationID string, result any, errMsg string) error {
	cid, err := task.ParseCorrelationID(correlationID)
	if err != nil {
		return err
	}
	ctx = logging.WithCorrelationID(logging.WithTaskID(ctx, cid.TaskID), correlationID)
	log := logging.LogWith(ctx, rt.logger)

	t, ok := rt.Task(cid.TaskID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", cid.TaskID)
	}
	if ev, known := t.Pending.Lookup(correlationID); known && ev.Status != task.PendingWaiting {
		log.Warn("callback for settled operation dropped", "status", string(ev.Status))
		return nil
	}
	in := &task.Inbound{
		Type:          task.InboundAsyncResult,
		CorrelationID: correlationID,
		Result:        result,
		Error:         errMsg,
	}
	if err := rt.Enqueue(ctx, t, in); err != nil {
		return err
	}
	log.Debug("callback enqueued")
	return nil
}

// CancelTask cancels a task for good: pending operations and timers are
// cancelled, waiters fail, and the running step finishes without a next one.
// cancelPending cancels t's pending operations and settles the pending
// gauge for them.
func (rt *Runtime) cancelPending(t *task.Task) int {
	n := t.Pending.CancelAll()
	if n > 0 {
		rt.metrics.AddPending(-n)
	}
	return n
}

func (rt *Runtime) CancelTask(ctx context.Context, taskID string) error {
	t, ok := rt.Task(taskID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	if t.Status() == schema.TaskStateCanceled {
		return schema.NewError(schema.ErrCodeNotCancelable, "task already canceled").WithTask(taskID)
	}
	ctx = logging.WithTaskID(ctx, taskID)
	t.Cancel()
	rt.cancelPending(t)
	t.Pause.Open()

	// An idle task is canceled here; a busy one observes the signal
	// between steps.
	if unlock, ok := t.TryLock(); ok {
		// Finished runs have no way out of their status; open a run to end it.
		if _, err := t.BeginRun(); err != nil {
			unlock()
			return err
		}
		if err := rt.fsm.Transition(ctx, t, schema.TaskStateCanceled, "", nil); err != nil {
			unlock()
			return err
		}
		rt.settle(ctx, t, RunResult{Status: schema.TaskStateCanceled})
		unlock()
	}
	t.Queue.TryPush(&task.Inbound{Type: task.InboundShutdown})
	logging.LogWith(ctx, rt.logger).Info("task canceled")
	return nil
}

// Pause holds t's worker before its next execution.
func (rt *Runtime) Pause(taskID string) error {
	t, ok := rt.Task(taskID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	t.Pause.Close()
	return nil
}

// Unpause releases a paused worker.
func (rt *Runtime) Unpause(taskID string) error {
	t, ok := rt.Task(taskID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	t.Pause.Open()
	return nil
}

// History returns a task's persisted events and, when the persister can
// replay, the lifecycle folded from them.
func (rt *Runtime) History(ctx context.Context, taskID string) ([]*store.Event, *store.Replayed, error) {
	if rt.persister == nil {
		return nil, nil, schema.NewError(schema.ErrCodeUnsupportedOperation, "task history needs persistence")
	}
	events, err := rt.persister.GetEvents(ctx, taskID, 0)
	if err != nil {
		return nil, nil, err
	}
	var replayed *store.Replayed
	if r, ok := rt.persister.(interface {
		Replay(context.Context, string) (*store.Replayed, error)
	}); ok {
		if replayed, err = r.Replay(ctx, taskID); err != nil {
			return events, nil, err
		}
	}
	return events, replayed, nil
}

func (rt *Runtime) evicted(ids []string) {
	rt.mu.Lock()
	for _, id := range ids {
		delete(rt.owners, id)
	}
	rt.mu.Unlock()
	if rt.push != nil {
		for _, id := range ids {
			rt.push.Remove(id)
		}
	}
}
