package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/resume"
	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// Start restores persisted tasks, launches one worker per task and starts
// the scheduler. Workers stop when ctx is done or Stop is called.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.restore(ctx); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	rt.runMu.Lock()
	defer rt.runMu.Unlock()
	if rt.group != nil {
		return schema.NewError(schema.ErrCodeConflict, "runtime already started")
	}
	rt.runCtx, rt.cancel = context.WithCancel(ctx)
	rt.group = &errgroup.Group{}
	for _, t := range rt.Tasks() {
		rt.launch(t)
	}
	rt.sched = scheduler.New(rt.scheduled, rt.runScheduled, rt.cfg.SchedulerTick, rt.logger)
	if err := rt.sched.Start(rt.runCtx); err != nil {
		return err
	}
	rt.logger.Info("runtime started", "agent_id", rt.cfg.AgentID, "tasks", len(rt.Tasks()), "pool_size", rt.cfg.PoolSize)
	return nil
}

// Stop delivers shutdown sentinels, interrupts running executions between
// steps and waits up to StopTimeout for workers to exit. Open waiters fail
// with SHUTDOWN.
func (rt *Runtime) Stop() error {
	rt.runMu.Lock()
	if rt.group == nil || rt.stopped {
		rt.runMu.Unlock()
		return nil
	}
	rt.stopped = true
	group, cancel, sched := rt.group, rt.cancel, rt.sched
	rt.runMu.Unlock()

	for _, t := range rt.Tasks() {
		if !t.Status().Terminal() {
			t.Queue.TryPush(&task.Inbound{Type: task.InboundShutdown})
		}
		t.Pause.Open()
	}
	cancel()
	if err := sched.Stop(); err != nil {
		rt.logger.Warn("stop scheduler", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		err := group.Wait()
		rt.pool.Shutdown()
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-time.After(rt.cfg.StopTimeout):
		rt.logger.Warn("workers still running after stop timeout", "timeout", rt.cfg.StopTimeout)
	}

	rt.waiters.FailAll(schema.NewError(schema.ErrCodeShutdown, "runtime stopping"))
	rt.timers.Close()
	if rt.push != nil {
		rt.push.Wait()
	}
	rt.records.Wait()
	rt.logger.Info("runtime stopped")
	return err
}

// launch starts t's queue worker. Callers hold runMu.
func (rt *Runtime) launch(t *task.Task) {
	if t.Cancelled() {
		return
	}
	ctx := rt.runCtx
	rt.group.Go(func() error {
		rt.work(ctx, t)
		return nil
	})
}

// work is a task's queue worker: it pops inbound items in FIFO order and
// runs them one at a time on the shared pool.
func (rt *Runtime) work(ctx context.Context, t *task.Task) {
	ctx = logging.WithTaskID(ctx, t.ID())
	log := logging.LogWith(ctx, rt.logger)

	poll := rt.cfg.IdlePoll
	if t.Trigger() == skill.TriggerDev {
		poll = rt.cfg.DevEventPoll
		if t.JustStarted() {
			t.Queue.TryPush(&task.Inbound{Type: task.InboundKickoff})
		}
	}
	log.Debug("task worker started", "trigger", string(t.Trigger()))

	for ctx.Err() == nil {
		in, ok := t.Queue.Pop(ctx, poll)
		if !ok {
			if ctx.Err() == nil {
				rt.watchdog(ctx, t)
			}
			continue
		}
		rt.metrics.SetQueueDepth(t.ID(), t.Queue.Len())
		if in.Type == task.InboundShutdown {
			if ctx.Err() != nil || t.Cancelled() {
				break
			}
			continue
		}
		if err := t.Pause.Wait(ctx); err != nil {
			break
		}
		if err := rt.dispatch(ctx, t, in); err != nil {
			log.Warn("task execution ended with error", "type", string(in.Type), "error", err)
		}
	}
	log.Debug("task worker stopped")
}

// dispatch runs one execution on the pool and waits for it, which keeps
// executions of a task sequential.
func (rt *Runtime) dispatch(ctx context.Context, t *task.Task, in *task.Inbound) error {
	fut, err := rt.pool.Submit(ctx, func(ctx context.Context) error {
		return rt.execute(ctx, t, in)
	})
	if err != nil {
		return err
	}
	return fut.Await(ctx)
}

// scheduled lists the schedule-triggered tasks that may start a run.
// Tasks waiting on a paused run are resumed through their queue instead.
func (rt *Runtime) scheduled() []scheduler.Candidate {
	var out []scheduler.Candidate
	for _, t := range rt.Tasks() {
		if t.Trigger() != skill.TriggerSchedule || t.Schedule() == nil {
			continue
		}
		if t.Cancelled() || !t.JustStarted() || !t.Pause.IsOpen() {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (rt *Runtime) runScheduled(ctx context.Context, c scheduler.Candidate) error {
	t, ok := c.(*task.Task)
	if !ok {
		return fmt.Errorf("unexpected candidate %T", c)
	}
	return rt.dispatch(ctx, t, nil)
}

// watchdog fails a task whose paused run has waited too long for its next
// event, and sweeps pending operations whose timer was missed.
func (rt *Runtime) watchdog(ctx context.Context, t *task.Task) {
	for _, ev := range t.Pending.CleanupExpired(time.Now()) {
		t.Queue.TryPush(&task.Inbound{
			Type:          task.InboundAsyncTimeout,
			CorrelationID: ev.CorrelationID,
			Error:         ev.Error,
			Metadata:      map[string]any{"source_node": ev.SourceNode},
		})
	}

	limit := rt.cfg.RunEventTimeout
	if t.Trigger() == skill.TriggerDev {
		limit = rt.cfg.DevEventTimeout
	}
	since := t.PendingSince()
	if since.IsZero() || time.Since(since) < limit {
		return
	}
	unlock, ok := t.TryLock()
	if !ok {
		return
	}
	defer unlock()
	if since = t.PendingSince(); since.IsZero() || time.Since(since) < limit {
		return
	}

	err := schema.NewErrorf(schema.ErrCodeTimeout, "no event received within %s", limit).WithTask(t.ID())
	logging.LogWith(ctx, rt.logger).Error("run event watchdog fired", "waiting_since", since, "limit", limit)
	rt.cancelPending(t)
	t.SetStatusMessage(map[string]any{"error": err.Error()})
	if terr := rt.fsm.Transition(ctx, t, schema.TaskStateFailed, resume.ThisNode(t.State()), map[string]any{"error": err.Error()}); terr != nil {
		logging.LogWith(ctx, rt.logger).Warn("mark failed", "error", terr)
	}
	rt.metrics.ObserveRun(string(t.Trigger()), "timeout", time.Since(since))
	rt.settle(ctx, t, RunResult{Status: t.Status(), Error: err})
}

// execute runs one inbound item: an initial run when the task is idle, a
// resume when a run is paused.
func (rt *Runtime) execute(ctx context.Context, t *task.Task, in *task.Inbound) error {
	unlock := t.Lock()
	defer unlock()

	ctx = logging.WithTaskID(ctx, t.ID())
	if in != nil && in.RequestID != "" {
		ctx = logging.WithRequestID(ctx, in.RequestID)
	}
	log := logging.LogWith(ctx, rt.logger)

	if t.Cancelled() || t.Status() == schema.TaskStateCanceled {
		if in != nil && in.RequestID != "" {
			rt.waiters.Fail(in.RequestID, schema.NewError(schema.ErrCodeCancelled, "task canceled").WithTask(t.ID()))
		}
		log.Debug("item for canceled task dropped")
		return nil
	}
	if in != nil {
		if in.RequestID != "" {
			if rec, ok := rt.records.Get(in.RequestID); ok && rec.Status.State.Terminal() {
				log.Info("request already finished, skipping", "state", string(rec.Status.State))
				return nil
			}
		}
		if in.Type == task.InboundAsyncResult || in.Type == task.InboundAsyncTimeout {
			if !rt.absorb(ctx, t, in) {
				return nil
			}
		}
		if in.Sentinel() && !t.JustStarted() {
			return nil
		}
		t.AddRequest(in.RequestID)
		t.SetSessionID(in.SessionID)
	}

	start := time.Now()
	var res RunResult
	if t.JustStarted() {
		res = rt.initialRun(ctx, t, in)
	} else {
		res = rt.resumeRun(ctx, t, in)
	}
	rt.metrics.ObserveRun(string(t.Trigger()), outcomeOf(res), time.Since(start))
	rt.settle(ctx, t, res)
	if res.Error != nil && !res.Interrupted {
		return res.Error
	}
	return nil
}

func (rt *Runtime) initialRun(ctx context.Context, t *task.Task, in *task.Inbound) RunResult {
	if _, err := t.BeginRun(); err != nil {
		return RunResult{Status: t.Status(), Error: err}
	}
	t.MarkRun(time.Now())
	state, err := rt.prep.Prepare(ctx, t, in)
	if err != nil {
		return rt.exec.fail(ctx, t, "", fmt.Errorf("prepare state: %w", err))
	}
	t.SetState(state)
	return rt.exec.StreamRun(ctx, t, RunInput{State: state}, optionsOf(in))
}

func (rt *Runtime) resumeRun(ctx context.Context, t *task.Task, in *task.Inbound) RunResult {
	out, err := rt.resume.Build(ctx, t, in)
	if err != nil {
		return rt.exec.fail(ctx, t, resume.ThisNode(t.State()), fmt.Errorf("build resume: %w", err))
	}
	t.MergeState(out.StatePatch)
	opts := optionsOf(in)
	if out.Tag != "" {
		opts.SkipBPOnce = append(opts.SkipBPOnce, out.Tag)
	}
	return rt.exec.StreamRun(ctx, t, RunInput{Resume: out.Resume, Checkpoint: out.Checkpoint}, opts)
}

// absorb applies an async outcome to the pending registry. It reports
// whether the item should go on to resume the task.
func (rt *Runtime) absorb(ctx context.Context, t *task.Task, in *task.Inbound) bool {
	ctx = logging.WithCorrelationID(ctx, in.CorrelationID)
	log := logging.LogWith(ctx, rt.logger)

	switch in.Type {
	case task.InboundAsyncResult:
		ev := t.Pending.Resolve(in.CorrelationID, in.Result, in.Error)
		if ev != nil {
			rt.metrics.AddPending(-1)
			rt.fsm.Emit(ctx, t, schema.EventAsyncResolved, ev.SourceNode, *ev)
		} else if prev, known := t.Pending.Lookup(in.CorrelationID); known {
			log.Warn("result for settled operation dropped", "status", string(prev.Status))
			return false
		}
	case task.InboundAsyncTimeout:
		rt.metrics.AddPending(-1)
		source, _ := in.Metadata["source_node"].(string)
		rt.fsm.Emit(ctx, t, schema.EventAsyncTimedOut, source, map[string]any{"correlation_id": in.CorrelationID})
	}

	if t.JustStarted() {
		log.Info("async outcome recorded for idle task", "type", string(in.Type))
		rt.persist(ctx, t)
		return false
	}
	return true
}

// settle is the completion callback of an execution.
func (rt *Runtime) settle(ctx context.Context, t *task.Task, res RunResult) {
	switch {
	case schema.CodeOf(res.Error) == schema.ErrCodeShutdown:
		// The run resumes from its persisted state after a restart.
	case res.Interrupted:
		t.MarkInterrupted(time.Now())
	default:
		t.MarkSettled()
		rt.finish(t, res)
	}
	rt.persist(ctx, t)
}

// finish hands the ended run's outcome to the callers waiting on it.
func (rt *Runtime) finish(t *task.Task, res RunResult) {
	for _, id := range t.TakeRequests() {
		if res.Status == schema.TaskStateCanceled {
			rt.waiters.Fail(id, schema.NewError(schema.ErrCodeCancelled, "task canceled").WithTask(t.ID()))
			continue
		}
		if rec, ok := rt.records.Get(id); ok {
			rt.waiters.Resolve(id, rec)
			continue
		}
		err := res.Error
		if err == nil {
			err = schema.NewErrorf(schema.ErrCodeNotFound, "request %s has no record", id)
		}
		rt.waiters.Fail(id, err)
	}
}

func outcomeOf(res RunResult) string {
	switch {
	case schema.CodeOf(res.Error) == schema.ErrCodeShutdown:
		return "shutdown"
	case res.Interrupted:
		return "interrupted"
	case res.Status == "":
		return "failed"
	}
	return string(res.Status)
}

// optionsOf reads the step and breakpoint controls a dev client may send.
func optionsOf(in *task.Inbound) RunOptions {
	var opts RunOptions
	if in == nil {
		return opts
	}
	opts.StepOnce, _ = in.Metadata[skill.KeyStepOnce].(bool)
	opts.StepFrom, _ = in.Metadata[skill.KeyStepFrom].(string)
	switch v := in.Metadata[skill.KeySkipBPOnce].(type) {
	case []string:
		opts.SkipBPOnce = append(opts.SkipBPOnce, v...)
	case []any:
		for _, s := range v {
			if s, ok := s.(string); ok {
				opts.SkipBPOnce = append(opts.SkipBPOnce, s)
			}
		}
	}
	return opts
}
