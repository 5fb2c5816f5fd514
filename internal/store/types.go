package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// TaskRecord is the persisted layout of a runtime task.
type TaskRecord struct {
	ID              string                 `json:"id"`
	AgentID         string                 `json:"agent_id,omitempty"`
	RunID           string                 `json:"runId"`
	SessionID       string                 `json:"session_id,omitempty"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Skill           string                 `json:"skill"`
	Status          schema.TaskState       `json:"status"`
	Metadata        map[string]any         `json:"metadata"`
	State           map[string]any         `json:"state"`
	ResumeFrom      string                 `json:"resume_from,omitempty"`
	Trigger         string                 `json:"trigger"`
	Schedule        *scheduler.Schedule    `json:"schedule,omitempty"`
	CheckpointNodes []task.CheckpointEntry `json:"checkpoint_nodes"`
	Priority        string                 `json:"priority"`
	LastRunAt       *time.Time             `json:"last_run_datetime,omitempty"`
	AlreadyRun      bool                   `json:"already_run_flag"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	AgentID string
	Status  schema.TaskState
	Limit   int
}

// Event is one entry of a task's history.
type Event struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	RunID     string          `json:"run_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}
