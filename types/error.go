package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Turn failure codes. Every fatal turn failure maps to exactly one of these
// and to a machine-readable termination reason.
const (
	ErrAgentTimeout  ErrorCode = "AGENT_TIMEOUT"
	ErrLLMConnection ErrorCode = "LLM_CONNECTION"
	ErrUnexpected    ErrorCode = "UNEXPECTED"
)

// Non-fatal bookkeeping codes.
const (
	ErrUnknownAgent ErrorCode = "UNKNOWN_AGENT"
)

// Configuration and collaborator codes.
const (
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrModelNotFound ErrorCode = "MODEL_NOT_FOUND"
	ErrToolFailure   ErrorCode = "TOOL_FAILURE"
)

// Control plane codes.
const (
	ErrScenarioNotFound   ErrorCode = "SCENARIO_NOT_FOUND"
	ErrConversationActive ErrorCode = "CONVERSATION_ACTIVE"
	ErrNoConversation     ErrorCode = "NO_CONVERSATION"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// GetErrorCode extracts the error code from an error, or "" if the error is
// not a *types.Error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
