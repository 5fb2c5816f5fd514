package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentrt/internal/a2a"
	"github.com/rendis/agentrt/internal/engine"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func echo() skill.Skill {
	return skill.NewSequence(&skill.Definition{
		Name:         "echo",
		EventRouting: map[string]skill.RoutingRule{"a2a_message": {TaskSelector: "id:inbox"}},
	}, skill.Node{Name: "reply", Run: func(_ context.Context, state map[string]any) (skill.NodeOutput, error) {
		text, _ := state["human_text"].(string)
		return skill.NodeOutput{Update: map[string]any{"text": "echo: " + text}}, nil
	}})
}

func newTestServer(t *testing.T) (*AgentServer, *engine.Runtime) {
	t.Helper()
	reg := skill.NewRegistry()
	require.NoError(t, reg.Register(echo()))

	cfg := engine.DefaultRuntimeConfig()
	cfg.IdlePoll = 10 * time.Millisecond
	cfg.SchedulerTick = 10 * time.Millisecond
	cfg.TaskTimeout = 2 * time.Second
	cfg.StopTimeout = 2 * time.Second
	rt, err := engine.NewRuntime(cfg, engine.Deps{Skills: reg, Logger: discard})
	require.NoError(t, err)
	_, err = rt.AddTask(task.Spec{ID: "inbox", Name: "inbox", Skill: "echo", Trigger: skill.TriggerMessage})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Stop() })

	s := NewAgentServer(AgentServerDeps{Runtime: rt, Manager: a2a.NewTaskManager(rt, discard), Logger: discard})
	return s, rt
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func TestRegisterAsyncTool(t *testing.T) {
	s, rt := newTestServer(t)

	result, err := s.handleRegisterAsync(context.Background(), buildRequest("agent.register_async", map[string]any{
		"task_id":     "inbox",
		"source":      "fetch",
		"timeout_sec": 60.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		TaskID        string `json:"task_id"`
		CorrelationID string `json:"correlation_id"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "inbox", out.TaskID)

	cid, err := task.ParseCorrelationID(out.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "inbox", cid.TaskID)

	tk, _ := rt.Task("inbox")
	ev, ok := tk.Pending.Lookup(out.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, task.PendingWaiting, ev.Status)
	assert.Equal(t, "fetch", ev.SourceNode)
}

func TestRegisterAsyncToolRejects(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing task", map[string]any{"timeout_sec": 5.0}},
		{"missing timeout", map[string]any{"task_id": "inbox"}},
		{"negative timeout", map[string]any{"task_id": "inbox", "timeout_sec": -1.0}},
		{"unknown task", map[string]any{"task_id": "nope", "timeout_sec": 5.0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleRegisterAsync(context.Background(), buildRequest("agent.register_async", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestCallbackTool(t *testing.T) {
	s, rt := newTestServer(t)

	cid, err := rt.RegisterAsyncOperation(context.Background(), "inbox", "fetch", time.Minute)
	require.NoError(t, err)

	result, err := s.handleCallback(context.Background(), buildRequest("agent.callback", map[string]any{
		"correlation_id": cid,
		"result":         map[string]any{"rows": 3.0},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	tk, _ := rt.Task("inbox")
	assert.Eventually(t, func() bool {
		ev, ok := tk.Pending.Lookup(cid)
		return ok && ev.Status == task.PendingCompleted
	}, 2*time.Second, 10*time.Millisecond)

	ev, _ := tk.Pending.Lookup(cid)
	assert.Equal(t, map[string]any{"rows": 3.0}, ev.Result)
}

func TestCallbackToolRejects(t *testing.T) {
	s, _ := newTestServer(t)

	for _, args := range []map[string]any{
		{},
		{"correlation_id": "no-colon"},
		{"correlation_id": "ghost:123"},
	} {
		result, err := s.handleCallback(context.Background(), buildRequest("agent.callback", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, "args %v", args)
	}
}

func TestSendTool(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleSend(context.Background(), buildRequest("agent.send", map[string]any{
		"request_id": "r1",
		"text":       "hi",
		"metadata":   map[string]any{"mtype": "send_task"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var rec schema.Task
	unmarshalResult(t, result, &rec)
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, schema.TaskStateCompleted, rec.Status.State)
}

func TestSendToolNoWait(t *testing.T) {
	s, rt := newTestServer(t)

	result, err := s.handleSend(context.Background(), buildRequest("agent.send", map[string]any{
		"text": "hi",
		"wait": false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var rec schema.Task
	unmarshalResult(t, result, &rec)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, true, rec.Metadata["async_response"])

	assert.Eventually(t, func() bool {
		cur, ok := rt.Records().Get(rec.ID)
		return ok && cur.Status.State == schema.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToolMissingText(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleSend(context.Background(), buildRequest("agent.send", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTaskStatusTool(t *testing.T) {
	s, rt := newTestServer(t)

	_, err := rt.RegisterAsyncOperation(context.Background(), "inbox", "fetch", time.Minute)
	require.NoError(t, err)

	result, err := s.handleTaskStatus(context.Background(), buildRequest("agent.task_status", map[string]any{"task_id": "inbox"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out taskStatus
	unmarshalResult(t, result, &out)
	assert.Equal(t, "inbox", out.ID)
	assert.Equal(t, "echo", out.Skill)
	assert.Equal(t, schema.TaskStateSubmitted, out.Status)
	assert.False(t, out.Cancelled)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, "fetch", out.Pending[0].SourceNode)
	assert.Empty(t, out.Checkpoints)

	result, err = s.handleTaskStatus(context.Background(), buildRequest("agent.task_status", map[string]any{"task_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
