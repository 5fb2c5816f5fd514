package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/agentrt/pkg/schema"
)

// EventLog provides append-only task history on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-task sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM task_events WHERE task_id = ?`, event.TaskID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, run_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.TaskID, nullStr(event.RunID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

// GetEvents returns events for a task with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, taskID, since)
}

// Replayed is the lifecycle reconstructed from a task's history.
type Replayed struct {
	RunID  string
	Status schema.TaskState
	Runs   int
	Events int
}

// Replay folds the task's history into its last known status.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, taskID string) (*Replayed, error) {
	events, err := el.store.GetEvents(ctx, taskID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	out := &Replayed{Status: schema.TaskStateUnknown, Events: len(events)}
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in task %s: expected %d, got %d", taskID, i+1, e.Sequence)
		}
		if e.RunID != "" && e.RunID != out.RunID {
			out.RunID = e.RunID
			out.Runs++
		}
		if st, ok := statusOf(e.Type); ok {
			out.Status = st
		}
	}
	return out, nil
}

func statusOf(eventType string) (schema.TaskState, bool) {
	switch eventType {
	case schema.EventTaskRunning:
		return schema.TaskStateWorking, true
	case schema.EventTaskPaused, schema.EventTaskWaiting:
		return schema.TaskStateInputRequired, true
	case schema.EventTaskCompleted:
		return schema.TaskStateCompleted, true
	case schema.EventTaskFailed:
		return schema.TaskStateFailed, true
	case schema.EventTaskCanceled:
		return schema.TaskStateCanceled, true
	}
	return "", false
}
