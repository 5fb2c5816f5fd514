// Package mcp exposes the agent runtime as MCP tools so that tool processes
// can register async operations, deliver their results and follow tasks.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentrt/internal/a2a"
	"github.com/rendis/agentrt/internal/engine"
	"github.com/rendis/agentrt/internal/logging"
)

// AgentServerDeps holds the dependencies for creating an AgentServer.
type AgentServerDeps struct {
	Runtime *engine.Runtime
	Manager *a2a.TaskManager
	Name    string
	Version string
	Logger  *slog.Logger
}

// AgentServer wraps an MCP server with the runtime's tool handlers.
type AgentServer struct {
	rt        *engine.Runtime
	manager   *a2a.TaskManager
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAgentServer creates an AgentServer with all tools registered.
func NewAgentServer(deps AgentServerDeps) *AgentServer {
	name := deps.Name
	if name == "" {
		name = "agentrt"
	}
	version := deps.Version
	if version == "" {
		version = "0.0.0"
	}

	s := &AgentServer{
		rt:       deps.Runtime,
		manager:  deps.Manager,
		sessions: NewSessionRegistry(),
		logger:   logging.OrDefault(deps.Logger),
	}

	mcpSrv := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Use agent.register_async before starting a long-running operation for a task, then agent.callback with the same correlation_id once it finishes. agent.task_status reports a task's run and pending operations; agent.send delivers a message to the agent."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve forwards task events to watching sessions and runs the stdio
// transport until ctx is cancelled or stdin closes.
func (s *AgentServer) Serve(ctx context.Context) error {
	if s.rt != nil {
		go func() {
			if err := s.notifier.Forward(ctx, s.rt.Hub()); err != nil {
				s.logger.Warn("mcp event forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AgentServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the task-to-session registry fed by tool calls.
func (s *AgentServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *AgentServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerAsyncTool(), Handler: s.handleRegisterAsync},
		{Tool: callbackTool(), Handler: s.handleCallback},
		{Tool: taskStatusTool(), Handler: s.handleTaskStatus},
		{Tool: sendTool(), Handler: s.handleSend},
	}
}

// --- Tool definitions ---

func registerAsyncTool() mcp.Tool {
	return mcp.NewTool("agent.register_async",
		mcp.WithDescription("Register a fire-and-forget operation for a task and get its correlation id"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the runtime task that owns the operation")),
		mcp.WithString("source", mcp.Description("Name of the node or tool starting the operation (default: mcp)")),
		mcp.WithNumber("timeout_sec", mcp.Required(), mcp.Description("Seconds before the operation times out")),
	)
}

func callbackTool() mcp.Tool {
	return mcp.NewTool("agent.callback",
		mcp.WithDescription("Deliver the result of an async operation"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation id returned by agent.register_async")),
		mcp.WithObject("result", mcp.Description("Operation result")),
		mcp.WithString("error", mcp.Description("Error message when the operation failed")),
	)
}

func taskStatusTool() mcp.Tool {
	return mcp.NewTool("agent.task_status",
		mcp.WithDescription("Get a runtime task's status, pending operations and checkpoints"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the runtime task")),
	)
}

func sendTool() mcp.Tool {
	return mcp.NewTool("agent.send",
		mcp.WithDescription("Send a text message to the agent"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("request_id", mcp.Description("Request id (default: generated)")),
		mcp.WithString("session_id", mcp.Description("Conversation session id")),
		mcp.WithObject("metadata", mcp.Description("Request metadata, e.g. mtype")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the serving run to end (default: true)")),
	)
}
