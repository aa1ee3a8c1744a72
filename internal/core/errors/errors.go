package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent broker rule violations
var (
	// Inbound events
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrInvalidRoom    = errors.New("invalid room identifier")

	// Authentication & Authorization
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("action forbidden")
	ErrJoinForbidden = errors.New("room join forbidden")

	// Transport
	ErrNotConnected   = errors.New("not connected")
	ErrHubStopped     = errors.New("hub stopped")
	ErrBusUnavailable = errors.New("room bus unavailable")
	ErrFrameTooLarge  = errors.New("frame exceeds transport limit")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewNotFoundError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "NOT_FOUND",
		StatusCode: 404,
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}

// Unwrap lets callers match validation failures with errors.Is(err, ErrInvalidPayload).
func (v *ValidationErrors) Unwrap() error {
	return ErrInvalidPayload
}
