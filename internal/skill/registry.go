package skill

import (
	"sort"
	"sync"

	"github.com/rendis/agentrt/pkg/schema"
)

// Registry holds the skills an agent can run and their effective definitions.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	defs   map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill), defs: make(map[string]*Definition)}
}

// Register adds a skill under its name.
func (r *Registry) Register(s Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[s.Name()]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "skill %q already registered", s.Name())
	}
	r.skills[s.Name()] = s
	def := s.Definition()
	if def == nil {
		def = &Definition{Name: s.Name()}
	}
	r.defs[s.Name()] = def
	return nil
}

// Configure overlays a manifest definition onto a registered skill.
func (r *Registry) Configure(def *Definition) error {
	if err := def.Validate(); err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.defs[def.Name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "skill %q not registered", def.Name)
	}
	r.defs[def.Name] = cur.Merge(def)
	return nil
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Definition returns the effective definition of a skill, or nil.
func (r *Registry) Definition(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[name]
}

// Names lists registered skills in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for n := range r.skills {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
