package skill

import (
	"fmt"
	"os"

	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Trigger is how a task enters execution.
type Trigger string

const (
	TriggerSchedule    Trigger = "schedule"
	TriggerMessage     Trigger = "message"
	TriggerInteraction Trigger = "interaction"
	TriggerDev         Trigger = "dev"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerSchedule, TriggerMessage, TriggerInteraction, TriggerDev:
		return true
	}
	return false
}

// AgentInfo identifies the agent in its card.
type AgentInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Version     string `yaml:"version,omitempty"`
}

// TaskSpec declares one long-lived task.
type TaskSpec struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Skill       string              `yaml:"skill"`
	Trigger     Trigger             `yaml:"trigger"`
	Priority    string              `yaml:"priority,omitempty"`
	Schedule    *scheduler.Schedule `yaml:"schedule,omitempty"`
}

// Manifest is the agent.yaml document.
type Manifest struct {
	Agent  AgentInfo    `yaml:"agent"`
	Skills []Definition `yaml:"skills,omitempty"`
	Tasks  []TaskSpec   `yaml:"tasks"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse manifest: %s", err).WithCause(err)
	}
	return &m, nil
}

// Check reports structural problems against the registered skills.
func (m *Manifest) Check(reg *Registry) *schema.Issues {
	issues := &schema.Issues{}
	if m.Agent.Name == "" {
		issues.AddWarning("agent.name", schema.ErrCodeValidation, "agent name is empty")
	}

	for i := range m.Skills {
		path := fmt.Sprintf("skills[%d]", i)
		if err := m.Skills[i].Validate(); err != nil {
			issues.AddError(path, schema.ErrCodeValidation, err.Error())
			continue
		}
		if _, ok := reg.Get(m.Skills[i].Name); !ok {
			issues.AddError(path+".name", schema.ErrCodeNotFound, fmt.Sprintf("skill %q is not registered", m.Skills[i].Name))
		}
	}

	seen := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		switch {
		case t.ID == "":
			issues.AddError(path+".id", schema.ErrCodeValidation, "id is required")
		case seen[t.ID]:
			issues.AddError(path+".id", schema.ErrCodeConflict, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = true

		if _, ok := reg.Get(t.Skill); !ok {
			issues.AddError(path+".skill", schema.ErrCodeNotFound, fmt.Sprintf("skill %q is not registered", t.Skill))
		}
		if !t.Trigger.Valid() {
			issues.AddError(path+".trigger", schema.ErrCodeValidation, fmt.Sprintf("unknown trigger %q", t.Trigger))
		}
		if _, ok := scheduler.ParsePriority(t.Priority); !ok {
			issues.AddWarning(path+".priority", schema.ErrCodeValidation, fmt.Sprintf("unknown priority %q, using normal", t.Priority))
		}

		switch {
		case t.Trigger == TriggerSchedule && t.Schedule == nil:
			issues.AddError(path+".schedule", schema.ErrCodeValidation, "schedule trigger needs a schedule")
		case t.Schedule != nil:
			if err := t.Schedule.Validate(); err != nil {
				issues.AddError(path+".schedule", schema.ErrCodeValidation, err.Error())
			}
		}
	}
	return issues
}
