package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentrt/internal/metrics"
	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/store"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// memPersister is an in-memory store.Persister.
type memPersister struct {
	mu     sync.Mutex
	tasks  map[string]store.TaskRecord
	events []*store.Event
}

func newMemPersister() *memPersister {
	return &memPersister{tasks: make(map[string]store.TaskRecord)}
}

func (m *memPersister) SaveTask(_ context.Context, rec *store.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = *rec
	return nil
}

func (m *memPersister) GetTask(_ context.Context, id string) (*store.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", id)
	}
	return &rec, nil
}

func (m *memPersister) ListTasks(_ context.Context, filter store.TaskFilter) ([]*store.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.TaskRecord
	for _, rec := range m.tasks {
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		r := rec
		out = append(out, &r)
	}
	return out, nil
}

func (m *memPersister) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *memPersister) AppendEvent(_ context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *memPersister) GetEvents(_ context.Context, taskID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events {
		if ev.TaskID == taskID && ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memPersister) Migrate(context.Context) error { return nil }
func (m *memPersister) Vacuum(context.Context) error  { return nil }
func (m *memPersister) Close() error                  { return nil }

func (m *memPersister) record(id string) (store.TaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	return rec, ok
}

func testConfig() RuntimeConfig {
	cfg := DefaultRuntimeConfig()
	cfg.IdlePoll = 10 * time.Millisecond
	cfg.DevEventPoll = 10 * time.Millisecond
	cfg.SchedulerTick = 10 * time.Millisecond
	cfg.TaskTimeout = 2 * time.Second
	cfg.StopTimeout = 2 * time.Second
	return cfg
}

func newRuntime(t *testing.T, cfg RuntimeConfig, persister store.Persister, skills ...skill.Skill) *Runtime {
	t.Helper()
	reg := skill.NewRegistry()
	for _, s := range skills {
		require.NoError(t, reg.Register(s))
	}
	rt, err := NewRuntime(cfg, Deps{Skills: reg, Persister: persister, Metrics: metrics.New(), Logger: discard})
	require.NoError(t, err)
	return rt
}

func startRuntime(t *testing.T, rt *Runtime) {
	t.Helper()
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop() })
}

func addTask(t *testing.T, rt *Runtime, id, skillName string) *task.Task {
	t.Helper()
	tk, err := rt.AddTask(task.Spec{ID: id, Name: id, Skill: skillName, Trigger: skill.TriggerMessage})
	require.NoError(t, err)
	return tk
}

// send records a request, registers its waiter and submits it.
func send(t *testing.T, rt *Runtime, id, text string, meta map[string]any) {
	t.Helper()
	rt.Records().Put(schema.Task{
		ID:        id,
		SessionID: "s1",
		Status:    schema.TaskStatus{State: schema.TaskStateSubmitted, Timestamp: time.Now()},
	})
	rt.Waiters().Create(id)
	_, err := rt.Submit(context.Background(), Submission{
		RequestID: id,
		SessionID: "s1",
		Message:   &schema.Message{Role: "user", Parts: []schema.Part{schema.TextPart(text)}},
		Metadata:  meta,
	})
	require.NoError(t, err)
}

func waitStatus(t *testing.T, tk *task.Task, want schema.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool { return tk.Status() == want }, 2*time.Second, 5*time.Millisecond,
		"task %s never reached %s (now %s)", tk.ID(), want, tk.Status())
}

func TestRuntime_OneStepRunCompletes(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	tk := addTask(t, rt, "t1", "echo")
	startRuntime(t, rt)

	send(t, rt, "r1", "hi", nil)
	rec, err := rt.Waiters().Wait(context.Background(), "r1", 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, schema.TaskStateCompleted, rec.Status.State)
	require.NotNil(t, rec.Status.Message)
	assert.Equal(t, "echo: hi", rec.Status.Message.Text())
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, "result", rec.Artifacts[0].Name)

	assert.Equal(t, schema.TaskStateCompleted, tk.Status())
	assert.Zero(t, tk.Pending.PendingCount())
	assert.Empty(t, tk.Checkpoints())
	assert.True(t, tk.JustStarted())
	assert.Equal(t, "s1", tk.SessionID())
}

func TestRuntime_NextMessageStartsFreshRun(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	tk := addTask(t, rt, "t1", "echo")
	startRuntime(t, rt)

	send(t, rt, "r1", "one", nil)
	_, err := rt.Waiters().Wait(context.Background(), "r1", 2*time.Second)
	require.NoError(t, err)
	firstRun, thread := tk.RunID(), tk.Config().ThreadID()

	send(t, rt, "r2", "two", nil)
	rec, err := rt.Waiters().Wait(context.Background(), "r2", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo: two", rec.Status.Message.Text())
	assert.NotEqual(t, firstRun, tk.RunID())
	assert.Equal(t, thread, tk.Config().ThreadID())
}

func TestRuntime_InterruptThenResume(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, askSkill("id:t1"))
	tk := addTask(t, rt, "t1", "ask")
	startRuntime(t, rt)

	send(t, rt, "r2", "hello", nil)
	_, err := rt.Waiters().Wait(context.Background(), "r2", 200*time.Millisecond)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))

	waitStatus(t, tk, schema.TaskStateInputRequired)
	cps := tk.Checkpoints()
	require.Len(t, cps, 1)
	assert.Equal(t, "ask", cps[0].Tag)
	assert.False(t, tk.JustStarted())
	assert.False(t, tk.PendingSince().IsZero())

	rec, ok := rt.Records().Get("r2")
	require.True(t, ok)
	assert.Equal(t, schema.TaskStateInputRequired, rec.Status.State)

	send(t, rt, "r3", "42", map[string]any{"i_tag": "ask"})
	rec, err = rt.Waiters().Wait(context.Background(), "r3", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStateCompleted, rec.Status.State)

	assert.Empty(t, tk.Checkpoints())
	state := tk.State()
	assert.Equal(t, "42", state["answer"])
	assert.Equal(t, "42", state["resume"].(map[string]any)["human_text"])
	assert.Equal(t, "ask", state["attributes"].(map[string]any)["cloud_task_id"])

	// The timed-out request is still reported once its run finishes.
	rec, ok = rt.Records().Get("r2")
	require.True(t, ok)
	assert.Equal(t, schema.TaskStateCompleted, rec.Status.State)
}

func TestRuntime_AsyncTimeoutIsEnqueued(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	tk := addTask(t, rt, "t1", "echo")

	cid, err := rt.RegisterAsyncOperation(context.Background(), "t1", "tool", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, rt.Timers().IsArmed(cid))

	time.Sleep(300 * time.Millisecond)

	require.Equal(t, 1, tk.Queue.Len())
	in, ok := tk.Queue.Pop(context.Background(), time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, task.InboundAsyncTimeout, in.Type)
	assert.Equal(t, cid, in.CorrelationID)

	ev, ok := tk.Pending.Lookup(cid)
	require.True(t, ok)
	assert.Equal(t, task.PendingTimedOut, ev.Status)
	assert.False(t, rt.Timers().IsArmed(cid))
}

func TestRuntime_RegisterAsyncOperationValidates(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	addTask(t, rt, "t1", "echo")

	_, err := rt.RegisterAsyncOperation(context.Background(), "nope", "tool", time.Second)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = rt.RegisterAsyncOperation(context.Background(), "t1", "tool", 0)
	assert.Equal(t, schema.ErrCodeInvalidParams, schema.CodeOf(err))
}

func TestRuntime_RouteCallbackTargetsOwner(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	t1 := addTask(t, rt, "t1", "echo")
	t2 := addTask(t, rt, "t2", "echo")

	require.NoError(t, rt.RouteCallback(context.Background(), "t2:abc", map[string]any{"ok": true}, ""))
	assert.Equal(t, 0, t1.Queue.Len())
	require.Equal(t, 1, t2.Queue.Len())

	in, _ := t2.Queue.Pop(context.Background(), time.Millisecond)
	assert.Equal(t, task.InboundAsyncResult, in.Type)
	assert.Equal(t, "t2:abc", in.CorrelationID)

	err := rt.RouteCallback(context.Background(), "t3:abc", nil, "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	err = rt.RouteCallback(context.Background(), "no-colon", nil, "")
	assert.Equal(t, schema.ErrCodeInvalidParams, schema.CodeOf(err))
}

func TestRuntime_RouteCallbackDropsSettledOperation(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	tk := addTask(t, rt, "t1", "echo")

	cid, err := rt.RegisterAsyncOperation(context.Background(), "t1", "tool", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, tk.Pending.Resolve(cid, nil, ""))

	require.NoError(t, rt.RouteCallback(context.Background(), cid, nil, ""))
	assert.Equal(t, 0, tk.Queue.Len())
}

func TestRuntime_CallbackCompletesWaitingRun(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, asyncSkill("id:t1", time.Minute))
	tk := addTask(t, rt, "t1", "async")
	startRuntime(t, rt)

	send(t, rt, "r1", "go", nil)
	waitStatus(t, tk, schema.TaskStateInputRequired)
	require.Equal(t, 1, tk.Pending.PendingCount())
	cid, _ := tk.State()["cid"].(string)
	require.NotEmpty(t, cid)

	require.NoError(t, rt.RouteCallback(context.Background(), cid, map[string]any{"ok": true}, ""))

	rec, err := rt.Waiters().Wait(context.Background(), "r1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStateCompleted, rec.Status.State)

	ev, ok := tk.Pending.Lookup(cid)
	require.True(t, ok)
	assert.Equal(t, task.PendingCompleted, ev.Status)
	assert.Equal(t, map[string]any{"ok": true}, ev.Result)
}

func TestRuntime_CancelTaskFailsWaiters(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, askSkill("id:t1"))
	tk := addTask(t, rt, "t1", "ask")
	startRuntime(t, rt)

	send(t, rt, "r1", "hello", nil)
	waitStatus(t, tk, schema.TaskStateInputRequired)

	require.NoError(t, rt.CancelTask(context.Background(), "t1"))
	assert.Equal(t, schema.TaskStateCanceled, tk.Status())

	_, err := rt.Waiters().Wait(context.Background(), "r1", time.Second)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	rec, _ := rt.Records().Get("r1")
	assert.Equal(t, schema.TaskStateCanceled, rec.Status.State)

	err = rt.CancelTask(context.Background(), "t1")
	assert.Equal(t, schema.ErrCodeNotCancelable, schema.CodeOf(err))

	_, err = rt.Submit(context.Background(), Submission{RequestID: "r2"})
	assert.Equal(t, schema.ErrCodeRouting, schema.CodeOf(err))
}

func pendingGauge(t *testing.T, rt *Runtime) float64 {
	t.Helper()
	families, err := rt.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "agentrt_async_pending_events" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestRuntime_CancelMidRunSettlesPendingGauge(t *testing.T) {
	var tk *task.Task
	sk := skill.NewSequence(&skill.Definition{Name: "async", EventRouting: routes("id:t1")},
		skill.Node{Name: "call", Run: func(ctx context.Context, state map[string]any) (skill.NodeOutput, error) {
			cid, err := skill.RegisterAsync(ctx, "call", time.Minute)
			if err != nil {
				return skill.NodeOutput{}, err
			}
			tk.Cancel()
			return skill.NodeOutput{Update: map[string]any{"cid": cid}}, nil
		}},
	)
	rt := newRuntime(t, testConfig(), nil, sk)
	tk = addTask(t, rt, "t1", "async")
	startRuntime(t, rt)

	send(t, rt, "r1", "go", nil)
	waitStatus(t, tk, schema.TaskStateCanceled)

	assert.Equal(t, 0, tk.Pending.PendingCount())
	assert.Zero(t, pendingGauge(t, rt))
	assert.Empty(t, rt.Timers().Active())
}

func TestRuntime_CancelRequest(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, askSkill("id:t1"))
	tk := addTask(t, rt, "t1", "ask")
	startRuntime(t, rt)

	send(t, rt, "r1", "hello", nil)
	waitStatus(t, tk, schema.TaskStateInputRequired)

	rec, err := rt.CancelRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStateCanceled, rec.Status.State)
	assert.Equal(t, schema.TaskStateCanceled, tk.Status())

	_, err = rt.CancelRequest(context.Background(), "r1")
	assert.Equal(t, schema.ErrCodeNotCancelable, schema.CodeOf(err))
	_, err = rt.CancelRequest(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRuntime_WatchdogFailsStaleRun(t *testing.T) {
	cfg := testConfig()
	cfg.RunEventTimeout = 50 * time.Millisecond
	rt := newRuntime(t, cfg, nil, askSkill("id:t1"))
	tk := addTask(t, rt, "t1", "ask")
	startRuntime(t, rt)

	send(t, rt, "r1", "hello", nil)
	rec, err := rt.Waiters().Wait(context.Background(), "r1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStateFailed, rec.Status.State)
	assert.Equal(t, schema.TaskStateFailed, tk.Status())
	assert.Contains(t, tk.StatusMessage()["error"], "no event received")
	assert.True(t, tk.PendingSince().IsZero())
}

func TestRuntime_IncompatibleOutputModes(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	addTask(t, rt, "t1", "echo")

	_, err := rt.Submit(context.Background(), Submission{RequestID: "r1", AcceptedOutputModes: []string{"image/png"}})
	assert.Equal(t, schema.ErrCodeIncompatibleTypes, schema.CodeOf(err))

	_, err = rt.Submit(context.Background(), Submission{RequestID: "r2", AcceptedOutputModes: []string{"text"}})
	assert.NoError(t, err)
	owner, ok := rt.Owner("r2")
	require.True(t, ok)
	assert.Equal(t, "t1", owner.ID())
}

func TestRuntime_ScheduledTaskRuns(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill(""))
	tk, err := rt.AddTask(task.Spec{
		ID:       "nightly",
		Name:     "nightly",
		Skill:    "echo",
		Trigger:  skill.TriggerSchedule,
		Schedule: &scheduler.Schedule{Repeat: scheduler.RepeatNone, StartAt: time.Now().Add(-time.Second)},
	})
	require.NoError(t, err)
	startRuntime(t, rt)

	waitStatus(t, tk, schema.TaskStateCompleted)
	assert.True(t, tk.AlreadyRun())
	assert.False(t, tk.LastRunAt().IsZero())
	assert.Equal(t, "echo: ", tk.StatusMessage()["text"])
}

func TestRuntime_AddTaskValidates(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill(""))

	_, err := rt.AddTask(task.Spec{ID: "t1", Skill: "missing"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = rt.AddTask(task.Spec{ID: "t1", Skill: "echo", Trigger: skill.TriggerSchedule})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	addTask(t, rt, "t1", "echo")
	_, err = rt.AddTask(task.Spec{ID: "t1", Skill: "echo"})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestRuntime_AddManifest(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill(""))
	m, err := skill.ParseManifest([]byte(`
agent:
  name: helper
skills:
  - name: echo
    event_routing:
      a2a_message: "name:inbox"
tasks:
  - id: t1
    name: inbox
    skill: echo
    trigger: message
    priority: high
`))
	require.NoError(t, err)
	require.NoError(t, rt.AddManifest(m))

	tk, ok := rt.Task("t1")
	require.True(t, ok)
	assert.Equal(t, scheduler.PriorityHigh, tk.Priority())
	assert.Equal(t, "name:inbox", rt.Skills().Definition("echo").EventRouting["a2a_message"].TaskSelector)

	bad, err := skill.ParseManifest([]byte(`
agent:
  name: helper
tasks:
  - id: t2
    name: other
    skill: missing
    trigger: message
`))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(rt.AddManifest(bad)))
}

func TestRuntime_PersistAndRestore(t *testing.T) {
	p := newMemPersister()
	rt := newRuntime(t, testConfig(), p, echoSkill("id:t1"))
	tk := addTask(t, rt, "t1", "echo")
	startRuntime(t, rt)

	send(t, rt, "r1", "hi", nil)
	_, err := rt.Waiters().Wait(context.Background(), "r1", 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, rt.Stop())

	rec, ok := p.record("t1")
	require.True(t, ok)
	assert.Equal(t, schema.TaskStateCompleted, rec.Status)
	assert.True(t, rec.AlreadyRun)
	assert.Equal(t, tk.RunID(), rec.RunID)

	events, replayed, err := rt.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, replayed)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventTaskCompleted, events[len(events)-1].Type)

	// A new runtime over the same store picks the task up where it was.
	again := newRuntime(t, testConfig(), p, echoSkill("id:t1"))
	startRuntime(t, again)
	restored, ok := again.Task("t1")
	require.True(t, ok)
	assert.Equal(t, schema.TaskStateCompleted, restored.Status())
	assert.Equal(t, tk.Config().ThreadID(), restored.Config().ThreadID())
	assert.Equal(t, tk.RunID(), restored.RunID())
	assert.True(t, restored.AlreadyRun())
}

func TestRuntime_PauseHoldsWorker(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, echoSkill("id:t1"))
	tk := addTask(t, rt, "t1", "echo")
	startRuntime(t, rt)

	require.NoError(t, rt.Pause("t1"))
	send(t, rt, "r1", "hi", nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, schema.TaskStateSubmitted, tk.Status())

	require.NoError(t, rt.Unpause("t1"))
	waitStatus(t, tk, schema.TaskStateCompleted)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(rt.Pause("nope")))
}

func TestRuntime_StopFailsOpenWaiters(t *testing.T) {
	rt := newRuntime(t, testConfig(), nil, askSkill("id:t1"))
	tk := addTask(t, rt, "t1", "ask")
	require.NoError(t, rt.Start(context.Background()))

	send(t, rt, "r1", "hello", nil)
	waitStatus(t, tk, schema.TaskStateInputRequired)

	require.NoError(t, rt.Stop())
	_, err := rt.Waiters().Wait(context.Background(), "r1", time.Second)
	assert.Equal(t, schema.ErrCodeShutdown, schema.CodeOf(err))
	require.NoError(t, rt.Stop())
}
