package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentrt/internal/streaming"
	"github.com/rendis/agentrt/pkg/schema"
)

// notificationMethod is the MCP method used for task events.
const notificationMethod = "notifications/message"

// forwardedEvents are the task events sent to following sessions.
var forwardedEvents = []string{
	schema.EventTaskPaused,
	schema.EventTaskCompleted,
	schema.EventTaskFailed,
	schema.EventTaskCanceled,
	schema.EventAsyncTimedOut,
}

// MCPNotifier pushes task events to the MCP session following each task.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends payload to the session following taskID.
// Best-effort: returns nil if no session follows the task.
func (n *MCPNotifier) Notify(_ context.Context, taskID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(taskID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away after the lookup.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to the hub and notifies following sessions of task
// lifecycle events until ctx is done.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	ch, unsub, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: forwardedEvents})
	if err != nil {
		return err
	}
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			payload := map[string]any{
				"task_id":    ev.TaskID,
				"event_type": ev.EventType,
				"timestamp":  ev.Timestamp,
			}
			if ev.RunID != "" {
				payload["run_id"] = ev.RunID
			}
			if ev.Node != "" {
				payload["node"] = ev.Node
			}
			if ev.Payload != nil {
				payload["payload"] = ev.Payload
			}
			if err := n.Notify(ctx, ev.TaskID, payload); err != nil {
				n.logger.Warn("mcp notification failed", "task_id", ev.TaskID, "event_type", ev.EventType, "error", err)
			}
		}
	}
}
