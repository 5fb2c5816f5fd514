package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/resume"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// SkillSource resolves the skill a task runs.
type SkillSource interface {
	Get(name string) (skill.Skill, bool)
}

// RunInput is either an initial state or a resume of a paused run.
type RunInput struct {
	State      map[string]any
	Resume     *skill.Resume
	Checkpoint *skill.Snapshot
}

// RunOptions are the per-execution control flags merged into the config.
type RunOptions struct {
	StepOnce   bool
	SkipBPOnce []string
	StepFrom   string
}

// RunResult is the outcome of one StreamRun.
type RunResult struct {
	Success bool
	Status  schema.TaskState
	// Interrupted is set when the run paused, either on an interrupt or on
	// the pending-event completion gate.
	Interrupted bool
	Tag         string
	Node        string
	Steps       int
	Error       error
}

// Executor drives one invocation of a skill's step sequence.
type Executor struct {
	skills   SkillSource
	fsm      *TaskFSM
	register func(t *task.Task) skill.AsyncRegistrar
	logger   *slog.Logger
	// cancelPending settles a canceled task's pending operations. Without
	// it they are only marked canceled.
	cancelPending func(t *task.Task) int
}

// NewExecutor creates an Executor. register, when set, supplies the async
// registrar bound into the run context of each task.
func NewExecutor(skills SkillSource, fsm *TaskFSM, register func(*task.Task) skill.AsyncRegistrar, logger *slog.Logger) *Executor {
	return &Executor{skills: skills, fsm: fsm, register: register, logger: logging.OrDefault(logger)}
}

// StreamRun runs t's skill until it completes, pauses, fails or observes
// the task's cancel signal. The checkpoint stack is left untouched on failure.
func (e *Executor) StreamRun(ctx context.Context, t *task.Task, in RunInput, opts RunOptions) RunResult {
	ctx = logging.WithRunID(logging.WithTaskID(ctx, t.ID()), t.RunID())
	log := logging.LogWith(ctx, e.logger)

	sk, ok := e.skills.Get(t.SkillName())
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeNotFound, "skill %q not registered", t.SkillName()).WithTask(t.ID())
		return e.fail(ctx, t, "", err)
	}

	cfg := t.EnsureConfig()
	resuming := in.Resume != nil

	state := in.State
	if resuming {
		state = t.State()
	}
	if state == nil {
		state = map[string]any{}
	}
	syncIdentifiers(state, cfg.ThreadID(), t.RunID())
	if in.Checkpoint != nil {
		syncIdentifiers(in.Checkpoint.Values, cfg.ThreadID(), t.RunID())
	}
	if resuming {
		normalizeFormData(state)
	}
	t.SetState(state)
	applyFlags(cfg, opts)

	node := resume.CurrentNode(in.Checkpoint, state)
	if t.Status() == schema.TaskStateWorking {
		e.fsm.Emit(ctx, t, schema.EventTaskRunning, node, nil)
	} else if err := e.fsm.Transition(ctx, t, schema.TaskStateWorking, node, nil); err != nil {
		return RunResult{Status: t.Status(), Error: err}
	}
	log.Debug("run started", "node", node, "resume", resuming)

	res := RunResult{Success: true}
	runCtx := ctx
	if e.register != nil {
		runCtx = skill.WithAsyncRegistrar(ctx, e.register(t))
	}
	input := skill.Input{State: state, Resume: in.Resume, Checkpoint: in.Checkpoint}

	for step, err := range sk.Stream(runCtx, input, cfg) {
		if t.Cancelled() {
			return e.cancel(ctx, t, step.Node)
		}
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return e.fail(ctx, t, step.Node, schema.NewError(schema.ErrCodeTimeout, "run deadline exceeded").WithTask(t.ID()).WithCause(err))
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Info("run interrupted by shutdown", "node", step.Node)
				return RunResult{Status: t.Status(), Node: step.Node, Steps: res.Steps,
					Error: schema.NewError(schema.ErrCodeShutdown, "runtime stopping").WithTask(t.ID()).WithCause(err)}
			}
			return e.fail(ctx, t, step.Node, err)
		}
		res.Steps++
		res.Node = step.Node
		if step.Payload != nil {
			t.SetStatusMessage(step.Payload)
		}
		e.fsm.Emit(ctx, t, schema.EventTaskRunning, step.Node, step.Payload)

		if step.Pauses() {
			return e.pause(ctx, t, sk, cfg, step, res)
		}
	}

	if t.Cancelled() {
		return e.cancel(ctx, t, res.Node)
	}
	e.refreshState(ctx, t, sk, cfg)

	// Completion gate: outstanding async operations keep the run open.
	if n := t.Pending.PendingCount(); n > 0 {
		if err := e.fsm.Transition(ctx, t, schema.TaskStateInputRequired, res.Node, nil); err != nil {
			return RunResult{Status: t.Status(), Error: err}
		}
		e.fsm.Emit(ctx, t, schema.EventTaskWaiting, res.Node, map[string]any{"pending": n})
		log.Info("run waiting for async operations", "pending", n)
		res.Status = schema.TaskStateInputRequired
		res.Interrupted = true
		return res
	}

	t.ClearCheckpoints()
	if err := e.fsm.Transition(ctx, t, schema.TaskStateCompleted, res.Node, t.StatusMessage()); err != nil {
		return RunResult{Status: t.Status(), Error: err}
	}
	log.Info("run completed", "steps", res.Steps)
	res.Status = schema.TaskStateCompleted
	return res
}

func (e *Executor) pause(ctx context.Context, t *task.Task, sk skill.Skill, cfg *skill.RunConfig, step skill.Step, res RunResult) RunResult {
	if err := e.fsm.Transition(ctx, t, schema.TaskStateInputRequired, step.Node, nil); err != nil {
		return RunResult{Status: t.Status(), Error: err}
	}
	res.Status = schema.TaskStateInputRequired
	res.Interrupted = true

	if len(step.Interrupts) == 0 {
		e.refreshState(ctx, t, sk, cfg)
		e.fsm.Emit(ctx, t, schema.EventTaskWaiting, step.Node, step.Payload)
		return res
	}

	intr := step.Interrupts[0]
	snap, err := sk.GetState(ctx, cfg)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("snapshot unavailable, using task state", "error", err)
		snap = &skill.Snapshot{Values: t.State(), Config: cfg.Clone()}
	}
	snap.Attributes()["i_tag"] = intr.Tag
	t.PushCheckpoint(intr.Tag, snap)
	t.SetState(snap.Values)

	res.Tag = intr.Tag
	e.fsm.Emit(ctx, t, schema.EventTaskPaused, step.Node, intr)
	logging.LogWith(ctx, e.logger).Info("run paused", "tag", intr.Tag, "node", step.Node)
	return res
}

func (e *Executor) fail(ctx context.Context, t *task.Task, node string, err error) RunResult {
	logging.LogWith(ctx, e.logger).Error("run failed", "node", node, "error", err)
	t.SetStatusMessage(map[string]any{"error": err.Error(), "node": node})
	if terr := e.fsm.Transition(ctx, t, schema.TaskStateFailed, node, map[string]any{"error": err.Error()}); terr != nil {
		logging.LogWith(ctx, e.logger).Warn("mark failed", "error", terr)
	}
	return RunResult{Status: t.Status(), Node: node, Error: err}
}

func (e *Executor) cancel(ctx context.Context, t *task.Task, node string) RunResult {
	if e.cancelPending != nil {
		e.cancelPending(t)
	} else {
		t.Pending.CancelAll()
	}
	if err := e.fsm.Transition(ctx, t, schema.TaskStateCanceled, node, nil); err != nil {
		logging.LogWith(ctx, e.logger).Warn("mark canceled", "error", err)
	}
	return RunResult{
		Status: t.Status(),
		Node:   node,
		Error:  schema.NewError(schema.ErrCodeCancelled, "task canceled").WithTask(t.ID()),
	}
}

// refreshState copies the skill's latest checkpoint values into
// metadata.state.
func (e *Executor) refreshState(ctx context.Context, t *task.Task, sk skill.Skill, cfg *skill.RunConfig) {
	snap, err := sk.GetState(ctx, cfg)
	if err != nil || snap == nil || snap.Values == nil {
		return
	}
	syncIdentifiers(snap.Values, cfg.ThreadID(), t.RunID())
	t.SetState(snap.Values)
}

func syncIdentifiers(state map[string]any, threadID, runID string) {
	if state == nil {
		return
	}
	attrs, ok := state["attributes"].(map[string]any)
	if !ok {
		attrs = map[string]any{}
		state["attributes"] = attrs
	}
	attrs["thread_id"] = threadID
	attrs["run_id"] = runID
}

// normalizeFormData fills metadata.filled_parametric_filter from the
// submitted form data, or from the first component's parametric filters.
func normalizeFormData(state map[string]any) {
	if v, ok := mapping.Get(state, "metadata.filled_parametric_filter"); ok && v != nil {
		return
	}
	if form, ok := mapping.Get(state, "attributes.params.metadata.params.formData"); ok && form != nil {
		mapping.Set(state, "metadata.filled_parametric_filter", mapping.CloneValue(form))
		return
	}
	comps, _ := mapping.Get(state, "attributes.params.metadata.components")
	list, _ := comps.([]any)
	if len(list) == 0 {
		return
	}
	if filters, ok := mapping.Get(list[0], "parametric_filters"); ok && filters != nil {
		mapping.Set(state, "metadata.filled_parametric_filter", mapping.CloneValue(filters))
	}
}

func applyFlags(cfg *skill.RunConfig, opts RunOptions) {
	if cfg.Configurable == nil {
		cfg.Configurable = map[string]any{}
	}
	c := cfg.Configurable
	c[skill.KeyStepOnce] = opts.StepOnce
	if len(opts.SkipBPOnce) > 0 {
		c[skill.KeySkipBPOnce] = append([]string(nil), opts.SkipBPOnce...)
	} else {
		delete(c, skill.KeySkipBPOnce)
	}
	if opts.StepFrom != "" {
		c[skill.KeyStepFrom] = opts.StepFrom
	} else {
		delete(c, skill.KeyStepFrom)
	}
}
