package skill

import (
	"fmt"
	"slices"

	"github.com/rendis/agentrt/internal/mapping"
	"gopkg.in/yaml.v3"
)

// Run modes select which mapping rules apply.
const (
	RunModeDeveloping = "developing"
	RunModeReleased   = "released"
)

// RoutingRule selects the task an event type is delivered to.
// The bare form `a2a_message: "name:inbox"` is accepted.
type RoutingRule struct {
	TaskSelector string `yaml:"task_selector" json:"task_selector"`
}

func (r *RoutingRule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.TaskSelector = node.Value
		return nil
	}
	var raw struct {
		TaskSelector string `yaml:"task_selector"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	r.TaskSelector = raw.TaskSelector
	return nil
}

// NodeConfig holds per-node overrides.
type NodeConfig struct {
	MappingRules *mapping.RuleSet `yaml:"mapping_rules,omitempty" json:"mapping_rules,omitempty"`
}

// Definition is the declarative side of a skill.
type Definition struct {
	Name         string                      `yaml:"name" json:"name"`
	Description  string                      `yaml:"description,omitempty" json:"description,omitempty"`
	EventRouting map[string]RoutingRule      `yaml:"event_routing,omitempty" json:"event_routing,omitempty"`
	MappingRules map[string]*mapping.RuleSet `yaml:"mapping_rules,omitempty" json:"mapping_rules,omitempty"`
	Nodes        map[string]NodeConfig       `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	InputModes   []string                    `yaml:"input_modes,omitempty" json:"input_modes,omitempty"`
	OutputModes  []string                    `yaml:"output_modes,omitempty" json:"output_modes,omitempty"`
}

// Routes returns the routing rule declared for an event type.
func (d *Definition) Routes(eventType string) (RoutingRule, bool) {
	if d == nil {
		return RoutingRule{}, false
	}
	r, ok := d.EventRouting[eventType]
	return r, ok
}

// NodeRules returns the per-node rule set, or nil.
func (d *Definition) NodeRules(node string) *mapping.RuleSet {
	if d == nil || node == "" {
		return nil
	}
	nc, ok := d.Nodes[node]
	if !ok || nc.MappingRules.Empty() {
		return nil
	}
	return nc.MappingRules
}

// Rules returns the skill-level rule set for runMode, or nil.
func (d *Definition) Rules(runMode string) *mapping.RuleSet {
	if d == nil {
		return nil
	}
	rs := d.MappingRules[runMode]
	if rs.Empty() {
		return nil
	}
	return rs
}

// AcceptsOutput reports whether any of the client's accepted output modes is
// produced by the skill. Empty lists on either side accept everything.
func (d *Definition) AcceptsOutput(accepted []string) bool {
	if d == nil || len(accepted) == 0 || len(d.OutputModes) == 0 {
		return true
	}
	for _, m := range accepted {
		if slices.Contains(d.OutputModes, m) {
			return true
		}
	}
	return false
}

// Validate checks every rule set of the definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for mode, rs := range d.MappingRules {
		if mode != RunModeDeveloping && mode != RunModeReleased {
			return fmt.Errorf("skill %s: unknown run mode %q", d.Name, mode)
		}
		if err := rs.Validate(); err != nil {
			return fmt.Errorf("skill %s: mapping_rules.%s: %w", d.Name, mode, err)
		}
	}
	for name, nc := range d.Nodes {
		if err := nc.MappingRules.Validate(); err != nil {
			return fmt.Errorf("skill %s: nodes.%s: %w", d.Name, name, err)
		}
	}
	return nil
}

// Merge overlays the non-empty fields of o onto a copy of d.
func (d *Definition) Merge(o *Definition) *Definition {
	out := *d
	if o == nil {
		return &out
	}
	if o.Description != "" {
		out.Description = o.Description
	}
	if len(o.EventRouting) > 0 {
		out.EventRouting = o.EventRouting
	}
	if len(o.MappingRules) > 0 {
		out.MappingRules = o.MappingRules
	}
	if len(o.Nodes) > 0 {
		out.Nodes = o.Nodes
	}
	if len(o.InputModes) > 0 {
		out.InputModes = o.InputModes
	}
	if len(o.OutputModes) > 0 {
		out.OutputModes = o.OutputModes
	}
	return &out
}
