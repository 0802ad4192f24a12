package apperrors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error classification. Callers branch on the code
// to decide whether to retry, refetch, or surface the failure to an operator,
// without ever parsing message text.
type Code string

const (
	// ErrCodeValidation marks a malformed payload, rejected before any state is created.
	ErrCodeValidation Code = "VALIDATION"
	// ErrCodeConfiguration marks missing or ambiguous routing configuration
	// (authority matrix, workflow template). Operators must fix the data.
	ErrCodeConfiguration Code = "CONFIGURATION"
	// ErrCodeUnauthorized marks an actor without standing to act on a level.
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	// ErrCodeConflict marks an optimistic-concurrency failure (stale level).
	// Recoverable: the caller refetches and retries.
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeClosed marks an action against a request already in a terminal status.
	ErrCodeClosed Code = "CLOSED"
	// ErrCodeNotFound marks a missing entity.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeUnavailable marks a transient store failure. Retryable.
	ErrCodeUnavailable Code = "UNAVAILABLE"
	// ErrCodeInternal marks an unexpected failure.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is the error type returned across the engine's boundaries. RequestID
// and Level are populated for failures tied to a specific approval request so
// the calling module can render a precise message.
type Error struct {
	Code      Code
	Message   string
	RequestID string
	Level     int
	Err       error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request=%s level=%d)", e.Code, e.Message, e.RequestID, e.Level)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound creates a NOT_FOUND error for a named resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput creates a VALIDATION error for a specific field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// ForRequest stamps the error with the request id and the level at the time of
// failure, returning the same error for chaining.
func (e *Error) ForRequest(requestID string, level int) *Error {
	e.RequestID = requestID
	e.Level = level
	return e
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
