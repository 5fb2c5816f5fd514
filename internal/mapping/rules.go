// Package mapping implements the declarative rule language that turns inbound
// events into a resume payload and a workflow state patch.
package mapping

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy decides how a value is written over an existing one.
type Policy string

const (
	PolicyOverwrite    Policy = "overwrite"
	PolicySkip         Policy = "skip"
	PolicyMergeDeep    Policy = "merge_deep"
	PolicyMergeShallow Policy = "merge_shallow"
	PolicyAppend       Policy = "append"
)

// TransformKind names a value transform.
type TransformKind string

const (
	TransformIdentity  TransformKind = "identity"
	TransformToString  TransformKind = "to_string"
	TransformParseJSON TransformKind = "parse_json"
	TransformPick      TransformKind = "pick"
	TransformCoalesce  TransformKind = "coalesce"
	TransformJQ        TransformKind = "jq"
)

// Apply orders.
const (
	OrderTopDown  = "top_down"
	OrderBottomUp = "bottom_up"
)

// Source roots.
const (
	RootEvent = "event"
	RootState = "state"
	RootNode  = "node"
)

// Target roots.
const (
	TargetResume = "resume"
	TargetState  = "state"
)

// PathList is a list of dotted source paths. A single string is accepted.
type PathList []string

func (p *PathList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = PathList{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*p = list
	return nil
}

func (p *PathList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = PathList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*p = list
	return nil
}

// Transform is applied to the resolved source value. The bare form
// `transform: to_string` is accepted.
type Transform struct {
	Kind  TransformKind `yaml:"kind" json:"kind"`
	Path  string        `yaml:"path,omitempty" json:"path,omitempty"`
	Paths []string      `yaml:"paths,omitempty" json:"paths,omitempty"`
	Expr  string        `yaml:"expr,omitempty" json:"expr,omitempty"`
}

type transformAlias Transform

func (t *Transform) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = Transform{Kind: TransformKind(node.Value)}
		return nil
	}
	var a transformAlias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*t = Transform(a)
	return nil
}

func (t *Transform) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Transform{Kind: TransformKind(s)}
		return nil
	}
	var a transformAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*t = Transform(a)
	return nil
}

// Target is one write destination: `resume`, `resume.<path>` or `state.<path>`.
type Target struct {
	Target string `yaml:"target" json:"target"`
}

func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Target = node.Value
		return nil
	}
	var raw struct {
		Target string `yaml:"target"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	t.Target = raw.Target
	return nil
}

func (t *Target) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		t.Target = s
		return nil
	}
	var raw struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Target = raw.Target
	return nil
}

// Rule maps the first non-null source onto every target.
type Rule struct {
	From       PathList   `yaml:"from" json:"from"`
	Transform  *Transform `yaml:"transform,omitempty" json:"transform,omitempty"`
	To         []Target   `yaml:"to" json:"to"`
	OnConflict Policy     `yaml:"on_conflict,omitempty" json:"on_conflict,omitempty"`
	When       string     `yaml:"when,omitempty" json:"when,omitempty"`
}

// Options tune how a rule set is applied.
type Options struct {
	Strict           bool   `yaml:"strict,omitempty" json:"strict,omitempty"`
	DefaultOnMissing any    `yaml:"default_on_missing,omitempty" json:"default_on_missing,omitempty"`
	ApplyOrder       string `yaml:"apply_order,omitempty" json:"apply_order,omitempty"`
}

// RuleSet is an ordered list of rules plus options.
type RuleSet struct {
	Mappings []Rule  `yaml:"mappings" json:"mappings"`
	Options  Options `yaml:"options,omitempty" json:"options,omitempty"`
}

// Empty reports whether the set has no rules.
func (rs *RuleSet) Empty() bool {
	return rs == nil || len(rs.Mappings) == 0
}

// Validate checks roots, targets, transforms and policies.
func (rs *RuleSet) Validate() error {
	if rs == nil {
		return nil
	}
	for i, r := range rs.Mappings {
		if len(r.From) == 0 {
			return fmt.Errorf("mappings[%d]: from is required", i)
		}
		for _, src := range r.From {
			root, _, _ := strings.Cut(src, ".")
			if root != RootEvent && root != RootState && root != RootNode {
				return fmt.Errorf("mappings[%d]: unknown source root %q", i, root)
			}
		}
		if len(r.To) == 0 {
			return fmt.Errorf("mappings[%d]: to is required", i)
		}
		for _, tgt := range r.To {
			root, _, _ := strings.Cut(tgt.Target, ".")
			if root != TargetResume && root != TargetState {
				return fmt.Errorf("mappings[%d]: unknown target %q", i, tgt.Target)
			}
			if tgt.Target == TargetState {
				return fmt.Errorf("mappings[%d]: state target needs a path", i)
			}
		}
		switch r.OnConflict {
		case "", PolicyOverwrite, PolicySkip, PolicyMergeDeep, PolicyMergeShallow, PolicyAppend:
		default:
			return fmt.Errorf("mappings[%d]: unknown on_conflict %q", i, r.OnConflict)
		}
		if r.Transform != nil {
			switch r.Transform.Kind {
			case TransformIdentity, TransformToString, TransformParseJSON:
			case TransformPick:
				if r.Transform.Path == "" {
					return fmt.Errorf("mappings[%d]: pick needs a path", i)
				}
			case TransformCoalesce:
				if len(r.Transform.Paths) == 0 {
					return fmt.Errorf("mappings[%d]: coalesce needs paths", i)
				}
			case TransformJQ:
				if r.Transform.Expr == "" {
					return fmt.Errorf("mappings[%d]: jq needs expr", i)
				}
			default:
				return fmt.Errorf("mappings[%d]: unknown transform %q", i, r.Transform.Kind)
			}
		}
	}
	switch rs.Options.ApplyOrder {
	case "", OrderTopDown, OrderBottomUp:
	default:
		return fmt.Errorf("unknown apply_order %q", rs.Options.ApplyOrder)
	}
	return nil
}

// RewriteLegacy returns a copy in which `node.*` sources read from
// `state.result.*`.
func (rs *RuleSet) RewriteLegacy() *RuleSet {
	if rs == nil {
		return nil
	}
	out := &RuleSet{Options: rs.Options, Mappings: make([]Rule, len(rs.Mappings))}
	for i, r := range rs.Mappings {
		from := make(PathList, len(r.From))
		for j, src := range r.From {
			if src == RootNode {
				from[j] = "state.result"
			} else if rest, ok := strings.CutPrefix(src, RootNode+"."); ok {
				from[j] = "state.result." + rest
			} else {
				from[j] = src
			}
		}
		r.From = from
		out.Mappings[i] = r
	}
	return out
}
