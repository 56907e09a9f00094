package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the caller-safe classification of a failure.
type ErrorType string

const (
	// ErrorTypeValidation indicates malformed event or session input.
	// Never retried; surfaced to the caller immediately.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound indicates an unknown session or stream id.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeTimeout indicates an operation exceeded its budget.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeUnavailable indicates a transient availability failure,
	// including an open circuit breaker.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeInternal is the catch-all for unclassified failures.
	ErrorTypeInternal ErrorType = "internal"
)

// Error is the canonical typed error crossing the operation boundary.
// Internal detail lives in Message; Sanitized strips it for production.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Operation string    `json:"operation,omitempty"`

	// Cause carries the underlying error for internal logging. It is
	// never serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", e.Operation, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode maps the error type to a transport status code.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure class may be retried. Validation
// and not-found failures are permanent by definition.
func (e *Error) Retryable() bool {
	return e.Type == ErrorTypeTimeout || e.Type == ErrorTypeUnavailable
}

// WithOperation tags the error with the operation that produced it.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// Sanitized returns a copy safe to surface at the boundary in production
// mode: internal errors lose their message, everything loses its cause.
func (e *Error) Sanitized() *Error {
	msg := e.Message
	if e.Type == ErrorTypeInternal {
		msg = "internal error"
	}
	return &Error{Type: e.Type, Message: msg, Operation: e.Operation}
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return &Error{Type: ErrorTypeValidation, Message: message}
}

// ErrNotFound creates a not-found error.
func ErrNotFound(message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Message: message}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *Error {
	return &Error{Type: ErrorTypeTimeout, Message: message}
}

// ErrUnavailable creates a transient availability error.
func ErrUnavailable(message string) *Error {
	return &Error{Type: ErrorTypeUnavailable, Message: message}
}

// ErrInternal wraps an unclassified failure.
func ErrInternal(err error) *Error {
	return &Error{Type: ErrorTypeInternal, Message: err.Error(), Cause: err}
}

// Classify converts any error into a typed Error. Already-typed errors
// pass through; context deadline failures become timeouts; everything
// else is internal.
func Classify(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout(err.Error())
	}
	return ErrInternal(err)
}
