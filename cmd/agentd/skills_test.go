package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentrt/internal/a2a"
	"github.com/rendis/agentrt/internal/engine"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/pkg/schema"
)

func TestBuiltinSkills_SurveyConversation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := loadManifest("")
	require.NoError(t, err)
	reg := skill.NewRegistry()
	for _, s := range builtinSkills() {
		require.NoError(t, reg.Register(s))
	}

	cfg := defaultConfig()
	cfg.TaskTimeoutSec = 2
	rc := cfg.runtimeConfig(m.Agent.Name)
	rc.IdlePoll = 10 * time.Millisecond
	rc.StopTimeout = 2 * time.Second
	rt, err := engine.NewRuntime(rc, engine.Deps{Skills: reg, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, rt.AddManifest(m))
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop() })
	mgr := a2a.NewTaskManager(rt, logger)

	send := func(id, text string) schema.Task {
		rec, err := mgr.Send(context.Background(), schema.TaskSendParams{
			ID:       id,
			Message:  schema.Message{Role: "user", Parts: []schema.Part{schema.TextPart(text)}},
			Metadata: map[string]any{"mtype": "send_chat", "async_response": true},
		})
		require.NoError(t, err)
		return rec
	}
	state := func(id string) schema.TaskState {
		rec, _ := rt.Records().Get(id)
		return rec.Status.State
	}

	send("q1", "start")
	require.Eventually(t, func() bool { return state("q1") == schema.TaskStateInputRequired }, 2*time.Second, 10*time.Millisecond)

	send("q2", "7")
	require.Eventually(t, func() bool { return state("q2") == schema.TaskStateCompleted }, 2*time.Second, 10*time.Millisecond)

	survey, ok := rt.Task("survey")
	require.True(t, ok)
	assert.Equal(t, "7", survey.State()["number"])
}
