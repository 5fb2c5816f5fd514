// Package store persists runtime tasks: a snapshot row per task plus an
// append-only history of its lifecycle events, in libSQL.
package store

import "context"

// Snapshots holds the latest persisted state of each runtime task.
type Snapshots interface {
	SaveTask(ctx context.Context, rec *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error
}

// History is a task's event trail. Sequence numbers are per task and
// strictly increasing; GetEvents returns those above since.
type History interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, taskID string, since int64) ([]*Event, error)
}

// Persister is what the runtime needs from durable storage. Implementations
// must be safe for concurrent use.
type Persister interface {
	Snapshots
	History
	Migrate(ctx context.Context) error
	Close() error
}

var _ Persister = (*LibSQLStore)(nil)
