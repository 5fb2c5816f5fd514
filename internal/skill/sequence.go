package skill

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/pkg/schema"
)

// StepTag is the interrupt tag emitted when step_once pauses a run.
const StepTag = "__step__"

// NodeOutput is what a node returns.
type NodeOutput struct {
	// Update is deep-merged into the run state and emitted as the step payload.
	Update map[string]any
	// Interrupt pauses the run after this node.
	Interrupt *Interrupt
	// AwaitAgent pauses the run until another agent answers.
	AwaitAgent bool
}

// NodeFunc executes one node against a copy of the run state.
type NodeFunc func(ctx context.Context, state map[string]any) (NodeOutput, error)

// Node is one stage of a Sequence.
type Node struct {
	Name string
	Run  NodeFunc
	// Breakpoint pauses before the node runs unless its name is listed in
	// skip_bp_once.
	Breakpoint bool
}

// Sequence is a linear workflow with an in-memory checkpoint saver keyed
// by thread id. On resume, the resume payload is placed in state["resume"]
// and execution continues at the checkpoint's next node.
type Sequence struct {
	def   *Definition
	nodes []Node

	mu    sync.Mutex
	saved map[string]*Snapshot
}

// NewSequence builds a Sequence. def.Name is the skill name.
func NewSequence(def *Definition, nodes ...Node) *Sequence {
	return &Sequence{def: def, nodes: nodes, saved: make(map[string]*Snapshot)}
}

func (s *Sequence) Name() string            { return s.def.Name }
func (s *Sequence) Definition() *Definition { return s.def }

func (s *Sequence) Stream(ctx context.Context, in Input, cfg *RunConfig) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		thread := cfg.ThreadID()
		if thread == "" {
			yield(Step{}, schema.NewError(schema.ErrCodeValidation, "run config has no thread_id"))
			return
		}
		state, pos, err := s.restore(in, thread)
		if err != nil {
			yield(Step{}, err)
			return
		}
		if from := cfg.Strings(KeyStepFrom); len(from) > 0 {
			if i := s.index(from[0]); i >= 0 {
				pos = i
			}
		}

		limit := cfg.RecursionLimit
		if limit <= 0 {
			limit = DefaultRecursionLimit
		}
		skip := cfg.Strings(KeySkipBPOnce)
		stepOnce := cfg.Flag(KeyStepOnce)

		for steps := 0; pos < len(s.nodes); steps++ {
			if err := ctx.Err(); err != nil {
				yield(Step{}, err)
				return
			}
			node := s.nodes[pos]

			if node.Breakpoint && !slices.Contains(skip, node.Name) {
				s.save(thread, state, node.Name)
				yield(Step{
					Node:       node.Name,
					Interrupts: []Interrupt{{Tag: node.Name, Value: map[string]any{"breakpoint": true}}},
				}, nil)
				return
			}
			if steps >= limit {
				yield(Step{}, schema.NewErrorf(schema.ErrCodeExecution, "recursion limit %d reached", limit))
				return
			}

			out, err := node.Run(ctx, mapping.CloneMap(state))
			if err != nil {
				yield(Step{Node: node.Name}, fmt.Errorf("node %s: %w", node.Name, err))
				return
			}
			state = mapping.MergeDeep(state, out.Update)
			setThisNode(state, node.Name)
			pos++

			step := Step{Node: node.Name, Payload: mapping.CloneMap(out.Update), AwaitAgent: out.AwaitAgent}
			if out.Interrupt != nil {
				step.Interrupts = []Interrupt{*out.Interrupt}
			} else if stepOnce && pos < len(s.nodes) {
				step.Interrupts = []Interrupt{{Tag: StepTag, Value: map[string]any{"node": node.Name}}}
			}

			next := ""
			if pos < len(s.nodes) {
				next = s.nodes[pos].Name
			}
			s.save(thread, state, next)
			if !yield(step, nil) || step.Pauses() {
				return
			}
		}
	}
}

func (s *Sequence) restore(in Input, thread string) (map[string]any, int, error) {
	if in.Resume == nil {
		state := mapping.CloneMap(in.State)
		if state == nil {
			state = map[string]any{}
		}
		return state, 0, nil
	}

	cp := in.Checkpoint
	if cp == nil {
		s.mu.Lock()
		cp = s.saved[thread]
		s.mu.Unlock()
	}
	if cp == nil {
		return nil, 0, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for thread %s", thread)
	}

	state := mapping.CloneMap(cp.Values)
	if state == nil {
		state = map[string]any{}
	}
	state = mapping.MergeDeep(state, in.Resume.Patch)
	state["resume"] = mapping.CloneMap(in.Resume.Payload)

	pos := len(s.nodes)
	if len(cp.Next) > 0 {
		if i := s.index(cp.Next[0]); i >= 0 {
			pos = i
		}
	}
	return state, pos, nil
}

func (s *Sequence) index(name string) int {
	return slices.IndexFunc(s.nodes, func(n Node) bool { return n.Name == name })
}

func (s *Sequence) save(thread string, state map[string]any, next string) {
	cp := &Snapshot{Values: mapping.CloneMap(state)}
	if next != "" {
		cp.Next = []string{next}
	}
	s.mu.Lock()
	s.saved[thread] = cp
	s.mu.Unlock()
}

// GetState returns a copy of the latest checkpoint for cfg's thread.
func (s *Sequence) GetState(_ context.Context, cfg *RunConfig) (*Snapshot, error) {
	s.mu.Lock()
	cp := s.saved[cfg.ThreadID()]
	s.mu.Unlock()
	if cp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for thread %s", cfg.ThreadID())
	}
	out := cp.Clone()
	out.Config = cfg.Clone()
	return out, nil
}

func setThisNode(state map[string]any, name string) {
	attrs, ok := state["attributes"].(map[string]any)
	if !ok {
		attrs = map[string]any{}
		state["attributes"] = attrs
	}
	attrs["__this_node__"] = map[string]any{"name": name}
}

var _ Skill = (*Sequence)(nil)
