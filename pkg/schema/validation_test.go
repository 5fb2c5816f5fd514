package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssues_Empty(t *testing.T) {
	r := &Issues{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestIssues_WarningsOnlyAreValid(t *testing.T) {
	r := &Issues{}
	r.AddWarning("tasks[1].priority", ErrCodeValidation, "unknown priority, using normal")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestIssues_SingleError(t *testing.T) {
	r := &Issues{}
	r.AddError("tasks[0].skill", ErrCodeValidation, "skill not registered")

	err := r.ToError()
	require.Error(t, err)

	var rtErr *RuntimeError
	require.True(t, errors.As(err, &rtErr))
	assert.Equal(t, ErrCodeValidation, rtErr.Code)
	assert.Equal(t, "tasks[0].skill: skill not registered", rtErr.Message)
	assert.Equal(t, 1, rtErr.Details["error_count"])
}

func TestIssues_MultipleErrorsAndMerge(t *testing.T) {
	a := &Issues{}
	a.AddError("tasks[0].id", ErrCodeValidation, "id is required")
	b := &Issues{}
	b.AddError("tasks[2].trigger", ErrCodeValidation, "unknown trigger")
	b.AddWarning("tasks[3]", ErrCodeValidation, "no routing")
	a.Merge(b)
	a.Merge(nil)

	err := a.ToError()
	require.Error(t, err)
	rtErr := err.(*RuntimeError)
	assert.Contains(t, rtErr.Message, "2 errors")
	assert.Contains(t, rtErr.Message, "tasks[2].trigger")
	assert.Equal(t, 1, rtErr.Details["warning_count"])
}

func TestRPCCodeMapping(t *testing.T) {
	cases := map[string]int{
		ErrCodeInvalidParams:     RPCInvalidParams,
		ErrCodeNotFound:          RPCTaskNotFound,
		ErrCodeNotCancelable:     RPCTaskNotCancelable,
		ErrCodePushNotSupported:  RPCPushNotSupported,
		ErrCodeIncompatibleTypes: RPCIncompatibleContentTypes,
		ErrCodeMethodNotFound:    RPCMethodNotFound,
		ErrCodeExecution:         RPCInternalError,
	}
	for code, want := range cases {
		assert.Equal(t, want, NewError(code, "x").RPCCode(), code)
	}

	resp := NewRPCError(7, NewError(ErrCodeNotFound, "task r1 not found"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, RPCTaskNotFound, resp.Error.Code)
	assert.Equal(t, "task r1 not found", resp.Error.Message)
	assert.Equal(t, 7, resp.ID)
}

func TestMessageTextAndHistory(t *testing.T) {
	m := &Message{Role: "user", Parts: []Part{TextPart("hi"), DataPart(map[string]any{"a": 1}), TextPart("there")}}
	assert.Equal(t, "hi\nthere", m.Text())

	task := Task{ID: "r1", History: []Message{{Role: "user"}, {Role: "agent"}, {Role: "user"}}}
	assert.Len(t, task.WithHistory(2).History, 2)
	assert.Nil(t, task.WithHistory(0).History)
	assert.Len(t, task.History, 3)
}

func TestTaskStateTerminal(t *testing.T) {
	assert.True(t, TaskStateCompleted.Terminal())
	assert.True(t, TaskStateFailed.Terminal())
	assert.True(t, TaskStateCanceled.Terminal())
	assert.False(t, TaskStateInputRequired.Terminal())
	assert.True(t, TaskStateInputRequired.Final())
	assert.False(t, TaskStateWorking.Final())
}
