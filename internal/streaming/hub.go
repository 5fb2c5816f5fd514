// Package streaming is the in-process pub/sub used for task observability
// and A2A subscriptions.
package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is one update about a task. TaskID holds a runtime task id for
// observability events and an A2A request id for protocol updates; the two
// never collide because request updates use their own event types.
type StreamEvent struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id,omitempty"`
	Node      string    `json:"node,omitempty"`
	EventType string    `json:"event_type"`
	Final     bool      `json:"final,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter selects events by task and type. Zero fields match anything.
type EventFilter struct {
	TaskID     string   `json:"task_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// EventHub fans task events out to subscribers. The returned cancel func
// closes the subscription channel and may be called more than once.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
