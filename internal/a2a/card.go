package a2a

import (
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/pkg/schema"
)

// CardInfo is the static part of the agent card.
type CardInfo struct {
	Agent   skill.AgentInfo
	URL     string
	Version string
	Push    bool
}

// NewCard builds the agent card from the registered skills. Skills without
// declared modes advertise text.
func NewCard(info CardInfo, skills *skill.Registry) schema.AgentCard {
	version := info.Version
	if version == "" {
		version = info.Agent.Version
	}
	if version == "" {
		version = "0.0.0"
	}
	card := schema.AgentCard{
		Name:               info.Agent.Name,
		Description:        info.Agent.Description,
		URL:                info.URL,
		Version:            version,
		Capabilities:       schema.AgentCapabilities{Streaming: true, PushNotifications: info.Push},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             []schema.AgentSkill{},
	}
	for _, name := range skills.Names() {
		def := skills.Definition(name)
		s := schema.AgentSkill{ID: name, Name: name}
		if def != nil {
			s.Description = def.Description
			s.InputModes = def.InputModes
			s.OutputModes = def.OutputModes
		}
		card.Skills = append(card.Skills, s)
	}
	return card
}
