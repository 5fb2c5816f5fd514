package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidParams        = "INVALID_PARAMS"
	ErrCodeExecution            = "EXECUTION_ERROR"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeRouting              = "ROUTING_ERROR"
	ErrCodeShutdown             = "SHUTDOWN"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodePush                 = "PUSH_ERROR"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeNotCancelable        = "NOT_CANCELABLE"
	ErrCodePushNotSupported     = "PUSH_NOT_SUPPORTED"
	ErrCodeIncompatibleTypes    = "INCOMPATIBLE_TYPES"
	ErrCodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCodeMethodNotFound       = "METHOD_NOT_FOUND"
	ErrCodeParse                = "PARSE_ERROR"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// JSON-RPC error numbers used on the A2A wire.
const (
	RPCParseError               = -32700
	RPCInvalidRequest           = -32600
	RPCMethodNotFound           = -32601
	RPCInvalidParams            = -32602
	RPCInternalError            = -32603
	RPCTaskNotFound             = -32001
	RPCTaskNotCancelable        = -32002
	RPCPushNotSupported         = -32003
	RPCUnsupportedOperation     = -32004
	RPCIncompatibleContentTypes = -32005
)

// RuntimeError is the structured error type for all runtime operations.
type RuntimeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RuntimeError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RuntimeError.
func NewError(code, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// NewErrorf creates a new RuntimeError with a formatted message.
func NewErrorf(code, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *RuntimeError) WithTask(taskID string) *RuntimeError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *RuntimeError) WithCause(err error) *RuntimeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RuntimeError) WithDetails(details map[string]any) *RuntimeError {
	e.Details = details
	return e
}

// RPCCode maps the error code onto the JSON-RPC error number reported to A2A clients.
func (e *RuntimeError) RPCCode() int {
	switch e.Code {
	case ErrCodeParse:
		return RPCParseError
	case ErrCodeInvalidRequest:
		return RPCInvalidRequest
	case ErrCodeMethodNotFound:
		return RPCMethodNotFound
	case ErrCodeValidation, ErrCodeInvalidParams:
		return RPCInvalidParams
	case ErrCodeNotFound:
		return RPCTaskNotFound
	case ErrCodeNotCancelable:
		return RPCTaskNotCancelable
	case ErrCodePushNotSupported:
		return RPCPushNotSupported
	case ErrCodeUnsupportedOperation:
		return RPCUnsupportedOperation
	case ErrCodeIncompatibleTypes:
		return RPCIncompatibleContentTypes
	default:
		return RPCInternalError
	}
}

// CodeOf returns the RuntimeError code carried by err, or "" if err is not one.
func CodeOf(err error) string {
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.Code
	}
	return ""
}
