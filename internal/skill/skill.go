// Package skill defines the contract between the runtime and a workflow:
// a skill streams steps lazily and exposes its latest checkpoint.
package skill

import (
	"context"
	"iter"
	"maps"

	"github.com/google/uuid"
	"github.com/rendis/agentrt/internal/mapping"
)

// DefaultRecursionLimit caps the number of steps a single run may emit.
const DefaultRecursionLimit = 200

// Configurable keys understood by the runtime.
const (
	KeyThreadID   = "thread_id"
	KeyStore      = "store"
	KeyStepOnce   = "step_once"
	KeySkipBPOnce = "skip_bp_once"
	KeyStepFrom   = "step_from"
)

// Interrupt pauses a run. Tag labels the resume point (i_tag).
type Interrupt struct {
	Tag   string         `json:"i_tag"`
	Value map[string]any `json:"value,omitempty"`
}

// Step is one emission of a running skill.
type Step struct {
	Node             string         `json:"node"`
	Payload          map[string]any `json:"payload,omitempty"`
	RequireUserInput bool           `json:"require_user_input,omitempty"`
	AwaitAgent       bool           `json:"await_agent,omitempty"`
	Interrupts       []Interrupt    `json:"__interrupt__,omitempty"`
}

// Pauses reports whether the step suspends the run.
func (s Step) Pauses() bool {
	return s.RequireUserInput || s.AwaitAgent || len(s.Interrupts) > 0
}

// Resume carries the payload a paused run continues with, plus a patch
// merged into its state first.
type Resume struct {
	Payload map[string]any `json:"payload"`
	Patch   map[string]any `json:"patch,omitempty"`
}

// Input starts a run from State, or continues one when Resume is set.
// Checkpoint, when set, is the snapshot to restore from instead of the
// latest one saved for the thread.
type Input struct {
	State      map[string]any
	Resume     *Resume
	Checkpoint *Snapshot
}

// Snapshot is a restorable checkpoint of a run.
type Snapshot struct {
	Values map[string]any `json:"values"`
	Next   []string       `json:"next,omitempty"`
	Config *RunConfig     `json:"config,omitempty"`
}

// Attributes returns Values["attributes"], creating it when missing.
func (s *Snapshot) Attributes() map[string]any {
	if s.Values == nil {
		s.Values = map[string]any{}
	}
	attrs, ok := s.Values["attributes"].(map[string]any)
	if !ok {
		attrs = map[string]any{}
		s.Values["attributes"] = attrs
	}
	return attrs
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{Values: mapping.CloneMap(s.Values), Next: append([]string(nil), s.Next...)}
	if s.Config != nil {
		out.Config = s.Config.Clone()
	}
	return out
}

// RunConfig is the persistent per-task workflow config.
type RunConfig struct {
	Configurable   map[string]any `json:"configurable"`
	RecursionLimit int            `json:"recursion_limit"`
}

// NewRunConfig mints a config with a fresh thread id.
func NewRunConfig() *RunConfig {
	return &RunConfig{
		Configurable:   map[string]any{KeyThreadID: uuid.NewString(), KeyStore: nil},
		RecursionLimit: DefaultRecursionLimit,
	}
}

// ThreadID returns the configured thread id or "".
func (c *RunConfig) ThreadID() string {
	if c == nil {
		return ""
	}
	id, _ := c.Configurable[KeyThreadID].(string)
	return id
}

// Flag reads a boolean control flag.
func (c *RunConfig) Flag(key string) bool {
	if c == nil {
		return false
	}
	b, _ := c.Configurable[key].(bool)
	return b
}

// Strings reads a list-valued control flag.
func (c *RunConfig) Strings(key string) []string {
	if c == nil {
		return nil
	}
	switch v := c.Configurable[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Clone copies the config; Configurable values are copied shallowly.
func (c *RunConfig) Clone() *RunConfig {
	if c == nil {
		return nil
	}
	return &RunConfig{Configurable: maps.Clone(c.Configurable), RecursionLimit: c.RecursionLimit}
}

// Skill is a workflow the runtime can drive.
type Skill interface {
	Name() string
	Definition() *Definition
	// Stream runs the workflow. The sequence ends after an interrupting
	// step, at natural completion, or after yielding an error.
	Stream(ctx context.Context, in Input, cfg *RunConfig) iter.Seq2[Step, error]
	// GetState returns the latest checkpoint saved for cfg's thread.
	GetState(ctx context.Context, cfg *RunConfig) (*Snapshot, error)
}
