package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeToolNotFound       = "TOOL_NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeHandler            = "HANDLER_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeUnresolvedVariable = "UNRESOLVED_VARIABLE"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodePipelineStep       = "PIPELINE_STEP_ERROR"
	ErrCodeDuplicateName      = "DUPLICATE_NAME"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeState              = "STATE_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// ForgeError is the structured error type returned by every toolforge operation.
type ForgeError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	StepIndex *int           `json:"step_index,omitempty"`
	Field     string         `json:"field,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ForgeError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	switch {
	case e.StepIndex != nil && e.Tool != "":
		return fmt.Sprintf("[%s] step %d (%s): %s", e.Code, *e.StepIndex, e.Tool, msg)
	case e.StepIndex != nil:
		return fmt.Sprintf("[%s] step %d: %s", e.Code, *e.StepIndex, msg)
	case e.Tool != "":
		return fmt.Sprintf("[%s] tool %s: %s", e.Code, e.Tool, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *ForgeError) Unwrap() error {
	return e.Cause
}

// Is matches another *ForgeError by code, so errors.Is(err, &ForgeError{Code: X}) works.
func (e *ForgeError) Is(target error) bool {
	t, ok := target.(*ForgeError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// IsFatal reports whether the error is an internal invariant violation.
// Fatal errors are never retried or recovered.
func (e *ForgeError) IsFatal() bool {
	return e.Code == ErrCodeInternal || e.Code == ErrCodeInvalidTransition
}

// NewError creates a new ForgeError.
func NewError(code, message string) *ForgeError {
	return &ForgeError{Code: code, Message: message}
}

// NewErrorf creates a new ForgeError with a formatted message.
func NewErrorf(code, format string, args ...any) *ForgeError {
	return &ForgeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTool attaches the tool name to the error.
func (e *ForgeError) WithTool(tool string) *ForgeError {
	e.Tool = tool
	return e
}

// WithStep attaches a pipeline step index to the error.
func (e *ForgeError) WithStep(index int) *ForgeError {
	e.StepIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *ForgeError) WithCause(err error) *ForgeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ForgeError) WithDetails(details map[string]any) *ForgeError {
	e.Details = details
	return e
}

// ToolNotFound reports a dispatch against an unregistered name.
func ToolNotFound(name string) *ForgeError {
	return NewErrorf(ErrCodeToolNotFound, "tool %q not found", name).WithTool(name)
}

// NewValidationError reports a schema mismatch at field.
func NewValidationError(field, message string) *ForgeError {
	e := NewError(ErrCodeValidation, message)
	e.Field = field
	return e
}

// NewHandlerError wraps a failure raised by handler logic.
func NewHandlerError(message string) *ForgeError {
	return NewError(ErrCodeHandler, message)
}

// NewTimeoutError reports an exceeded deadline.
func NewTimeoutError(message string) *ForgeError {
	return NewError(ErrCodeTimeout, message)
}

// NewCircuitOpenError reports a call rejected by an open breaker.
func NewCircuitOpenError(dependency string) *ForgeError {
	return NewErrorf(ErrCodeCircuitOpen, "circuit open for %q", dependency).
		WithDetails(map[string]any{"dependency": dependency})
}

// NewUnresolvedVariableError reports a template placeholder with no value.
func NewUnresolvedVariableError(name string) *ForgeError {
	return NewErrorf(ErrCodeUnresolvedVariable, "unresolved variable %q", name).
		WithDetails(map[string]any{"variable": name})
}

// NewRetryExhaustedError wraps the last error once every attempt failed.
func NewRetryExhaustedError(attempts int, last error) *ForgeError {
	return NewErrorf(ErrCodeRetryExhausted, "retry exhausted after %d attempts: %v", attempts, last).
		WithCause(last).
		WithDetails(map[string]any{"attempts": attempts})
}

// NewPipelineStepError wraps the error of the step at index.
func NewPipelineStepError(index int, tool string, inner error) *ForgeError {
	return NewErrorf(ErrCodePipelineStep, "%v", inner).
		WithStep(index).
		WithTool(tool).
		WithCause(inner)
}

// DuplicateName reports a registration against an existing name.
func DuplicateName(name string) *ForgeError {
	return NewErrorf(ErrCodeDuplicateName, "tool %q already registered", name).WithTool(name)
}

// NewCancelledError reports caller-initiated cancellation.
func NewCancelledError(cause error) *ForgeError {
	return NewError(ErrCodeCancelled, "operation cancelled").WithCause(cause)
}

// NewInternalError reports an internal invariant violation.
func NewInternalError(message string) *ForgeError {
	return NewError(ErrCodeInternal, message)
}

// Code extracts the ForgeError code from err, or "" if err carries none.
func Code(err error) string {
	var fe *ForgeError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) is a ForgeError with code.
func HasCode(err error, code string) bool {
	for err != nil {
		var fe *ForgeError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}
