package types

import "fmt"

// ErrorCode represents a unified error code across the control plane.
type ErrorCode string

// Policy and store error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrPolicyLoad         ErrorCode = "POLICY_LOAD"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
// Decisions returned by lifecycle hooks are values, never errors; this
// type serves constructors, loaders, and the HTTP API layer.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// NewInvalidRequestError creates an INVALID_REQUEST error (HTTP 400).
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(400)
}

// NewUnauthorizedError creates an UNAUTHORIZED error (HTTP 401).
func NewUnauthorizedError(message string) *Error {
	return NewError(ErrUnauthorized, message).WithHTTPStatus(401)
}

// NewRateLimitedError creates a RATE_LIMITED error (HTTP 429, retryable).
func NewRateLimitedError(message string) *Error {
	return NewError(ErrRateLimited, message).WithHTTPStatus(429).WithRetryable(true)
}

// NewNotFoundError creates a NOT_FOUND error (HTTP 404).
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message).WithHTTPStatus(404)
}

// NewStoreUnavailableError creates a STORE_UNAVAILABLE error (HTTP 503, retryable).
func NewStoreUnavailableError(message string) *Error {
	return NewError(ErrStoreUnavailable, message).WithHTTPStatus(503).WithRetryable(true)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
