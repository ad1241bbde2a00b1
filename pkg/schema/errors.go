package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeDefinition          = "DEFINITION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeNodeFailed          = "NODE_FAILED"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeScript              = "SCRIPT_ERROR"
	ErrCodeInterpolation       = "INTERPOLATION_ERROR"
	ErrCodeNoMatchingBranch    = "NO_MATCHING_BRANCH"
	ErrCodeNonRetryable        = "NON_RETRYABLE"
	ErrCodeChecklistIncomplete = "CHECKLIST_INCOMPLETE"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeVault               = "VAULT_ERROR"
)

var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:          true,
	ErrCodeDefinition:          true,
	ErrCodeNotFound:            true,
	ErrCodeConflict:            true,
	ErrCodeInvalidTransition:   true,
	ErrCodeNoMatchingBranch:    true,
	ErrCodeNonRetryable:        true,
	ErrCodeChecklistIncomplete: true,
	ErrCodeCancelled:           true,
	ErrCodeVault:               true,
}

// FlowError is the structured error type for all engine and task manager operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Stack   string         `json:"stack,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	case e.TaskID != "":
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry policy may re-run the failing operation.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithTask attaches a task ID to the error.
func (e *FlowError) WithTask(taskID string) *FlowError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithStack attaches a captured stack trace.
func (e *FlowError) WithStack(stack string) *FlowError {
	e.Stack = stack
	return e
}

// CodeOf returns the code of a FlowError anywhere in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
