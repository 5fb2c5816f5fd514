package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// handleRegisterAsync tracks a new async operation on a task.
func (s *AgentServer) handleRegisterAsync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	timeoutSec := req.GetFloat("timeout_sec", 0)
	if timeoutSec <= 0 {
		return mcp.NewToolResultError("timeout_sec must be positive"), nil
	}
	source := req.GetString("source", "mcp")

	cid, regErr := s.rt.RegisterAsyncOperation(ctx, taskID, source, time.Duration(timeoutSec*float64(time.Second)))
	if regErr != nil {
		return toolError("register failed", regErr), nil
	}
	s.captureSession(ctx, taskID)

	return marshalResult(map[string]any{"task_id": taskID, "correlation_id": cid})
}

// handleCallback routes an operation result to the task that registered it.
func (s *AgentServer) handleCallback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cid, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}
	result := req.GetArguments()["result"]
	errMsg := req.GetString("error", "")

	if routeErr := s.rt.RouteCallback(ctx, cid, result, errMsg); routeErr != nil {
		return toolError("callback failed", routeErr), nil
	}
	if parsed, parseErr := task.ParseCorrelationID(cid); parseErr == nil {
		s.captureSession(ctx, parsed.TaskID)
	}

	return marshalResult(map[string]any{"correlation_id": cid, "accepted": true})
}

// taskStatus is the agent.task_status view of a runtime task.
type taskStatus struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	Skill         string              `json:"skill"`
	Status        schema.TaskState    `json:"status"`
	RunID         string              `json:"run_id,omitempty"`
	Busy          bool                `json:"busy"`
	Cancelled     bool                `json:"cancelled"`
	Pending       []task.PendingEvent `json:"pending"`
	Checkpoints   []string            `json:"checkpoints"`
	StatusMessage map[string]any      `json:"status_message,omitempty"`
	Requests      []string            `json:"requests,omitempty"`
	LastRunAt     *time.Time          `json:"last_run_at,omitempty"`
}

// handleTaskStatus reports a runtime task's run and in-flight operations.
func (s *AgentServer) handleTaskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	t, ok := s.rt.Task(taskID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task %s not found", taskID)), nil
	}
	s.captureSession(ctx, taskID)

	view := taskStatus{
		ID:            t.ID(),
		Name:          t.Name(),
		Skill:         t.SkillName(),
		Status:        t.Status(),
		RunID:         t.RunID(),
		Busy:          t.Busy(),
		Cancelled:     t.Cancelled(),
		Pending:       t.Pending.Snapshot(),
		Checkpoints:   []string{},
		StatusMessage: t.StatusMessage(),
		Requests:      t.Requests(),
	}
	for _, cp := range t.Checkpoints() {
		view.Checkpoints = append(view.Checkpoints, cp.Tag)
	}
	if at := t.LastRunAt(); !at.IsZero() {
		view.LastRunAt = &at
	}
	return marshalResult(view)
}

// handleSend delivers a text message through the A2A task manager.
func (s *AgentServer) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}
	requestID := req.GetString("request_id", "")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	metadata := mcp.ParseStringMap(req, "metadata", nil)
	if !req.GetBool("wait", true) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["async_response"] = true
	}

	rec, sendErr := s.manager.Send(ctx, schema.TaskSendParams{
		ID:        requestID,
		SessionID: req.GetString("session_id", ""),
		Message:   schema.Message{Role: "user", Parts: []schema.Part{schema.TextPart(text)}},
		Metadata:  metadata,
	})
	if sendErr != nil {
		return toolError("send failed", sendErr), nil
	}
	if owner, ok := s.rt.Owner(requestID); ok {
		s.captureSession(ctx, owner.ID())
	}
	return marshalResult(rec)
}

// captureSession records the calling session as the follower of taskID.
func (s *AgentServer) captureSession(ctx context.Context, taskID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(taskID, session.SessionID())
	}
}

// toolError reports err as a tool-level error.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
