package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Pipeline error codes
const (
	ErrInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrConfigError     ErrorCode = "CONFIG_ERROR"
	ErrPreprocessError ErrorCode = "PREPROCESS_ERROR"
	ErrUploadError     ErrorCode = "UPLOAD_ERROR"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrCancelled       ErrorCode = "CANCELLED"
)

// Record and service error codes
const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrUnavailable       ErrorCode = "UNAVAILABLE"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	// Index is the zero-based input position for per-image failures, -1 otherwise.
	Index int   `json:"-"`
	Cause error `json:"-"`
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
	return &Error{Code: code, Message: message, Index: -1}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithIndex records which input item the error belongs to.
func (e *Error) WithIndex(index int) *Error {
	e.Index = index
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether any error in the chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewPreprocessError reports a decode or encode failure on one image.
func NewPreprocessError(index int, filename string, cause error) *Error {
	return Errorf(ErrPreprocessError, "image %d (%s) could not be processed", index, filename).
		WithIndex(index).
		WithCause(cause)
}

// NewTimeoutError reports an exhausted attempt budget.
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message).WithRetryable(false)
}
