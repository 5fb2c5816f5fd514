package main

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/rendis/agentrt/internal/skill"
)

//go:embed agent.yaml
var defaultManifest []byte

// loadManifest reads the configured manifest, or the built-in one.
func loadManifest(path string) (*skill.Manifest, error) {
	if path == "" {
		return skill.ParseManifest(defaultManifest)
	}
	return skill.LoadManifest(path)
}

// builtinSkills returns the demo skills every agentd registers.
func builtinSkills() []skill.Skill {
	return []skill.Skill{echoSkill(), askSkill()}
}

func echoSkill() skill.Skill {
	return skill.NewSequence(&skill.Definition{
		Name:        "echo",
		Description: "Replies with the text of the incoming message.",
		OutputModes: []string{"text"},
	}, skill.Node{Name: "reply", Run: func(_ context.Context, state map[string]any) (skill.NodeOutput, error) {
		text, _ := state["human_text"].(string)
		return skill.NodeOutput{Update: map[string]any{"text": "echo: " + text}}, nil
	}})
}

func askSkill() skill.Skill {
	return skill.NewSequence(&skill.Definition{
		Name:        "ask",
		Description: "Asks the user for a number and confirms it.",
		OutputModes: []string{"text"},
	},
		skill.Node{Name: "question", Run: func(context.Context, map[string]any) (skill.NodeOutput, error) {
			return skill.NodeOutput{
				Update:    map[string]any{"text": "Which number should I remember?"},
				Interrupt: &skill.Interrupt{Tag: "number", Value: map[string]any{"question": "number"}},
			}, nil
		}},
		skill.Node{Name: "confirm", Run: func(_ context.Context, state map[string]any) (skill.NodeOutput, error) {
			resume, _ := state["resume"].(map[string]any)
			answer, _ := resume["human_text"].(string)
			if answer == "" {
				return skill.NodeOutput{}, fmt.Errorf("no answer in resume payload")
			}
			return skill.NodeOutput{Update: map[string]any{"number": answer, "text": "Remembered " + answer + "."}}, nil
		}},
	)
}
