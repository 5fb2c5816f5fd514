package schema

// Observability event types emitted on the streaming hub.
const (
	EventTaskRunning   = "task_running"
	EventTaskPaused    = "task_paused"
	EventTaskWaiting   = "task_waiting"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCanceled  = "task_canceled"

	EventAsyncRegistered = "async_registered"
	EventAsyncResolved   = "async_resolved"
	EventAsyncTimedOut   = "async_timed_out"

	EventStatusUpdate   = "status_update"
	EventArtifactUpdate = "artifact_update"

	EventPushDelivered = "push_delivered"
	EventPushFailed    = "push_failed"
)

// TaskState represents the lifecycle state of a task. The same values are
// used for runtime tasks and for A2A task records on the wire.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateUnknown       TaskState = "unknown"
)

// Terminal reports whether no further transition out of the state is allowed.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateCanceled || s == TaskStateFailed
}

// Final reports whether a subscriber stream should close after this state.
func (s TaskState) Final() bool {
	return s.Terminal() || s == TaskStateInputRequired
}
