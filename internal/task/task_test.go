package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/timer"
	"github.com/rendis/agentrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationID_RoundTrip(t *testing.T) {
	for _, taskID := range []string{"t1", "agent:inbox", "a:b:c"} {
		cid := NewCorrelationID(taskID)
		parsed, err := ParseCorrelationID(cid.String())
		require.NoError(t, err)
		assert.Equal(t, taskID, parsed.TaskID)
		assert.Equal(t, cid, parsed)
	}

	for _, bad := range []string{"", "noseparator", ":abc", "t1:"} {
		_, err := ParseCorrelationID(bad)
		assert.Equal(t, schema.ErrCodeInvalidParams, schema.CodeOf(err), bad)
	}
}

func TestPendingRegistry_TimeoutEnqueuesEvent(t *testing.T) {
	timers := timer.New(nil)
	defer timers.Close()
	tk := New(Spec{ID: "t1"}, timers)

	ev := tk.Pending.Register("tool", 100*time.Millisecond)
	cid, err := ParseCorrelationID(ev.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "t1", cid.TaskID)
	assert.True(t, timers.IsArmed(ev.CorrelationID))

	time.Sleep(300 * time.Millisecond)

	require.Equal(t, 1, tk.Queue.Len())
	in, ok := tk.Queue.Pop(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, InboundAsyncTimeout, in.Type)
	assert.Equal(t, ev.CorrelationID, in.CorrelationID)

	stored, ok := tk.Pending.Lookup(ev.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, PendingTimedOut, stored.Status)
	assert.NotEmpty(t, stored.Error)
	assert.Nil(t, stored.Result)
	assert.False(t, timers.IsArmed(ev.CorrelationID))
	assert.Nil(t, tk.Pending.Resolve(ev.CorrelationID, "late", ""))
}

func TestPendingRegistry_TimeoutOnFullQueueIsCounted(t *testing.T) {
	timers := timer.New(nil)
	defer timers.Close()
	tk := New(Spec{ID: "t1", QueueSize: 1}, timers)
	require.True(t, tk.Queue.TryPush(&Inbound{Type: InboundChat}))

	ev := tk.Pending.Register("tool", 20*time.Millisecond)

	require.Eventually(t, func() bool { return tk.DroppedTimeouts() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tk.Queue.Len())
	stored, ok := tk.Pending.Lookup(ev.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, PendingTimedOut, stored.Status)
}

func TestPendingRegistry_ResolveIsIdempotent(t *testing.T) {
	timers := timer.New(nil)
	defer timers.Close()
	r := NewPendingRegistry("t1", timers, nil)

	ev := r.Register("tool", time.Minute)
	assert.True(t, r.HasPending())

	got := r.Resolve(ev.CorrelationID, map[string]any{"ok": true}, "")
	require.NotNil(t, got)
	assert.Equal(t, PendingCompleted, got.Status)
	assert.Equal(t, map[string]any{"ok": true}, got.Result)
	assert.Empty(t, got.Error)
	assert.False(t, timers.IsArmed(ev.CorrelationID))

	assert.Nil(t, r.Resolve(ev.CorrelationID, "again", ""))
	after, _ := r.Lookup(ev.CorrelationID)
	assert.Equal(t, map[string]any{"ok": true}, after.Result)
	assert.False(t, r.HasPending())

	assert.Nil(t, r.Resolve("t1:unknown", nil, ""))

	failed := r.Resolve(r.Register("tool", time.Minute).CorrelationID, nil, "tool crashed")
	require.NotNil(t, failed)
	assert.Equal(t, "tool crashed", failed.Error)
	assert.Nil(t, failed.Result)
}

func TestPendingRegistry_CancelAllAndCleanup(t *testing.T) {
	timers := timer.New(nil)
	defer timers.Close()
	r := NewPendingRegistry("t1", timers, nil)

	r.Register("a", time.Minute)
	r.Register("b", time.Minute)
	assert.Equal(t, 2, r.PendingCount())
	assert.Len(t, timers.Active(), 2)

	assert.Equal(t, 2, r.CancelAll())
	assert.Equal(t, 0, r.CancelAll())
	assert.Empty(t, timers.Active())
	for _, ev := range r.Snapshot() {
		assert.Equal(t, PendingCancelled, ev.Status)
	}

	r2 := NewPendingRegistry("t2", nil, nil)
	old := r2.Register("slow", time.Second)
	r2.Register("fresh", time.Hour)
	expired := r2.CleanupExpired(time.Now().Add(2 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, old.CorrelationID, expired[0].CorrelationID)
	assert.Equal(t, 1, r2.PendingCount())
}

func TestQueue_FIFOAndBounds(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.TryPush(&Inbound{RequestID: "1"}))
	require.NoError(t, q.Push(context.Background(), &Inbound{RequestID: "2"}))
	assert.False(t, q.TryPush(&Inbound{RequestID: "3"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(q.Push(ctx, &Inbound{})))

	a, _ := q.Pop(context.Background(), time.Second)
	b, _ := q.Pop(context.Background(), time.Second)
	assert.Equal(t, "1", a.RequestID)
	assert.Equal(t, "2", b.RequestID)
	assert.False(t, a.ReceivedAt.IsZero())

	_, ok := q.Pop(context.Background(), 5*time.Millisecond)
	assert.False(t, ok)

	q.TryPush(&Inbound{Type: InboundShutdown})
	drained := q.Drain()
	require.Len(t, drained, 1)
	assert.True(t, drained[0].Sentinel())
	assert.Equal(t, 0, q.Len())
}

func TestGate(t *testing.T) {
	g := NewGate()
	assert.True(t, g.IsOpen())
	require.NoError(t, g.Wait(context.Background()))

	g.Close()
	g.Close()
	assert.False(t, g.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Wait(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, g.Wait(context.Background()))
	}()
	g.Open()
	g.Open()
	wg.Wait()
}

func TestTask_Transitions(t *testing.T) {
	tk := New(Spec{ID: "t1"}, nil)
	assert.Equal(t, schema.TaskStateSubmitted, tk.Status())

	_, err := tk.TransitionTo(schema.TaskStateCompleted)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	for _, s := range []schema.TaskState{
		schema.TaskStateWorking, schema.TaskStateInputRequired, schema.TaskStateWorking,
		schema.TaskStateInputRequired, schema.TaskStateWorking, schema.TaskStateCompleted,
	} {
		_, err := tk.TransitionTo(s)
		require.NoError(t, err, s)
	}
	assert.False(t, tk.CompletedAt().IsZero())

	_, err = tk.TransitionTo(schema.TaskStateWorking)
	assert.Error(t, err, "terminal status is never left within a run")

	firstRun := tk.RunID()
	started, err := tk.BeginRun()
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, firstRun, tk.RunID())
	assert.Equal(t, schema.TaskStateSubmitted, tk.Status())

	_, err = tk.TransitionTo(schema.TaskStateCanceled)
	require.NoError(t, err)
	_, err = tk.BeginRun()
	assert.Error(t, err)
}

func TestTask_CheckpointStack(t *testing.T) {
	tk := New(Spec{ID: "t1"}, nil)
	tk.PushCheckpoint("ask", &skill.Snapshot{Next: []string{"a"}})
	tk.PushCheckpoint("confirm", &skill.Snapshot{Next: []string{"b"}})
	tk.PushCheckpoint("ask", &skill.Snapshot{Next: []string{"c"}})

	e, ok := tk.PopCheckpoint("ask")
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, e.Checkpoint.Next)

	top, ok := tk.PeekCheckpoint()
	require.True(t, ok)
	assert.Equal(t, "confirm", top.Tag)

	e, ok = tk.PopCheckpoint("")
	require.True(t, ok)
	assert.Equal(t, "confirm", e.Tag)

	_, ok = tk.PopCheckpoint("missing")
	assert.False(t, ok)
	assert.Len(t, tk.Checkpoints(), 1)
	tk.ClearCheckpoints()
	assert.Empty(t, tk.Checkpoints())
}

func TestTask_ConfigIsStable(t *testing.T) {
	tk := New(Spec{ID: "t1"}, nil)
	assert.Nil(t, tk.Config())
	first := tk.EnsureConfig()
	second := tk.EnsureConfig()
	assert.Equal(t, first.ThreadID(), second.ThreadID())

	first.Configurable["thread_id"] = "mutated"
	assert.Equal(t, second.ThreadID(), tk.Config().ThreadID())
}

func TestTask_StateAndFlags(t *testing.T) {
	tk := New(Spec{ID: "t1", QueueSize: 4}, nil)
	tk.SetState(map[string]any{"attributes": map[string]any{"a": 1}})
	tk.MergeState(map[string]any{"attributes": map[string]any{"b": 2}})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, tk.State()["attributes"])

	st := tk.State()
	st["attributes"].(map[string]any)["a"] = 99
	assert.Equal(t, 1, tk.State()["attributes"].(map[string]any)["a"])

	assert.True(t, tk.JustStarted())
	tk.MarkInterrupted(time.Now())
	assert.False(t, tk.JustStarted())
	assert.False(t, tk.PendingSince().IsZero())
	tk.MarkSettled()
	assert.True(t, tk.JustStarted())
	assert.True(t, tk.PendingSince().IsZero())

	tk.AddRequest("r1")
	tk.AddRequest("r1")
	tk.AddRequest("")
	assert.Equal(t, []string{"r1"}, tk.TakeRequests())
	assert.Empty(t, tk.Requests())

	unlock, ok := tk.TryLock()
	require.True(t, ok)
	assert.True(t, tk.Busy())
	_, ok = tk.TryLock()
	assert.False(t, ok)
	unlock()
	assert.False(t, tk.Busy())

	assert.True(t, tk.Cancel())
	assert.False(t, tk.Cancel())
	assert.True(t, tk.Cancelled())
}

func TestTask_Restore(t *testing.T) {
	tk := New(Spec{ID: "t1"}, nil)
	cfg := skill.NewRunConfig()
	tk.Restore(Restored{
		RunID:       "run-7",
		Status:      schema.TaskStateInputRequired,
		State:       map[string]any{"x": 1},
		Config:      cfg,
		Checkpoints: []CheckpointEntry{{Tag: "ask", Checkpoint: &skill.Snapshot{}}},
		AlreadyRun:  true,
	})
	assert.Equal(t, "run-7", tk.RunID())
	assert.Equal(t, schema.TaskStateInputRequired, tk.Status())
	assert.False(t, tk.JustStarted())
	assert.Equal(t, cfg.ThreadID(), tk.Config().ThreadID())
	assert.True(t, tk.AlreadyRun())

	other := New(Spec{ID: "t2"}, nil)
	other.Restore(Restored{Status: schema.TaskStateWorking})
	assert.Equal(t, schema.TaskStateSubmitted, other.Status())

	canceled := New(Spec{ID: "t3"}, nil)
	canceled.Restore(Restored{Status: schema.TaskStateCanceled})
	assert.True(t, canceled.Cancelled())
}
