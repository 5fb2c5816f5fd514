package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/store"
	"github.com/rendis/agentrt/internal/streaming"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// TransitionHook is called after a task status transition.
type TransitionHook func(ctx context.Context, t *task.Task, from, to schema.TaskState)

// EventAppender is satisfied by the EventLog; used by the FSM to record
// task history.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// TaskFSM applies task status transitions and emits the matching
// observability events. Emits are a side channel: failures are logged and
// never change the outcome of a transition.
type TaskFSM struct {
	mu       sync.Mutex
	appender EventAppender
	hub      streaming.EventHub
	after    []TransitionHook
	logger   *slog.Logger
}

// NewTaskFSM creates a TaskFSM. appender and hub may be nil.
func NewTaskFSM(appender EventAppender, hub streaming.EventHub, logger *slog.Logger) *TaskFSM {
	return &TaskFSM{appender: appender, hub: hub, logger: logging.OrDefault(logger)}
}

// OnAfter registers a hook called after every effective transition.
func (f *TaskFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition moves t to status to and emits the status event with node and
// payload. A transition to the current status emits nothing and runs no hooks.
func (f *TaskFSM) Transition(ctx context.Context, t *task.Task, to schema.TaskState, node string, payload any) error {
	from, err := t.TransitionTo(to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	if eventType := taskEventType(to); eventType != "" {
		f.Emit(ctx, t, eventType, node, payload)
	}

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.after...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, t, from, to)
	}
	return nil
}

// Emit publishes an observability event for t and appends it to the
// task's history.
func (f *TaskFSM) Emit(ctx context.Context, t *task.Task, eventType, node string, payload any) {
	now := time.Now().UTC()
	if f.hub != nil {
		err := f.hub.Publish(ctx, streaming.StreamEvent{
			TaskID:    t.ID(),
			RunID:     t.RunID(),
			Node:      node,
			EventType: eventType,
			Final:     eventType == schema.EventTaskCompleted || eventType == schema.EventTaskFailed || eventType == schema.EventTaskCanceled,
			Payload:   payload,
			Timestamp: now,
		})
		if err != nil {
			logging.LogWith(ctx, f.logger).Warn("publish task event", "event", eventType, "error", err)
		}
	}
	if f.appender == nil {
		return
	}

	body := map[string]any{"status": string(t.Status())}
	if node != "" {
		body["node"] = node
	}
	if payload != nil {
		body["payload"] = store.Sanitize(payload)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		raw = nil
	}
	ev := &store.Event{TaskID: t.ID(), RunID: t.RunID(), Type: eventType, Payload: raw, Timestamp: now}
	if err := f.appender.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, f.logger).Warn("append task event", "event", eventType, "error", err)
	}
}

func taskEventType(to schema.TaskState) string {
	switch to {
	case schema.TaskStateWorking:
		return schema.EventTaskRunning
	case schema.TaskStateCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStateFailed:
		return schema.EventTaskFailed
	case schema.TaskStateCanceled:
		return schema.EventTaskCanceled
	default:
		// InputRequired is emitted by the executor as paused or waiting.
		return ""
	}
}
