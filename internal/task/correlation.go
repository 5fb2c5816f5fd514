package task

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rendis/agentrt/pkg/schema"
)

// CorrelationID identifies one async operation. Its string form
// `<taskId>:<unique>` routes callbacks back to the owning task.
type CorrelationID struct {
	TaskID string
	Unique string
}

// NewCorrelationID generates a fresh id owned by taskID.
func NewCorrelationID(taskID string) CorrelationID {
	return CorrelationID{TaskID: taskID, Unique: uuid.NewString()}
}

// ParseCorrelationID splits at the last colon, so task ids may themselves
// contain colons.
func ParseCorrelationID(s string) (CorrelationID, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return CorrelationID{}, schema.NewErrorf(schema.ErrCodeInvalidParams, "malformed correlation id %q", s)
	}
	return CorrelationID{TaskID: s[:i], Unique: s[i+1:]}, nil
}

func (c CorrelationID) String() string {
	return c.TaskID + ":" + c.Unique
}
