// Package domain provides the gateway's core records and canonical error types.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeAuthentication covers missing, malformed, unknown, expired and inactive credentials.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission covers missing capabilities, suspended tenants and rejected origins.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeRateLimit indicates an admission scope was exceeded.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeStorage indicates tenant storage could not be acquired.
	ErrorTypeStorage ErrorType = "storage"

	// ErrorTypeValidation indicates a malformed request payload.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeMethod indicates the route does not accept the request method.
	ErrorTypeMethod ErrorType = "method"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode is the machine-readable code surfaced in the response envelope.
type ErrorCode string

const (
	ErrorCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrorCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrorCodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	ErrorCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrorCodeResourceNotFound  ErrorCode = "RESOURCE_NOT_FOUND"
	ErrorCodeMethodNotAllowed  ErrorCode = "METHOD_NOT_ALLOWED"
	ErrorCodeInternalServer    ErrorCode = "INTERNAL_SERVER_ERROR"
)

// APIError is the canonical error every pipeline stage and handler returns
// to the envelope writer.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is the envelope code
	Code ErrorCode `json:"code"`

	// Message is the caller-safe message
	Message string `json:"message"`

	// Data carries structured detail (e.g. the offending scope on 429s)
	Data any `json:"data,omitempty"`

	// StatusCode overrides the default status for Type
	StatusCode int `json:"-"`

	// Err is the internal cause; logged, never rendered.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap exposes the internal cause to errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeStorage:
		return http.StatusServiceUnavailable
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeMethod:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, code ErrorCode, message string) *APIError {
	return &APIError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WithData attaches envelope data.
func (e *APIError) WithData(data any) *APIError {
	e.Data = data
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the internal cause.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

// AsAPIError converts any error into an APIError. Unknown errors become a
// generic internal error whose message never carries the cause.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal().WithCause(err)
}

// Convenience constructors for common errors

// ErrUnauthorized creates the single, indistinguishable authentication failure.
func ErrUnauthorized(message string) *APIError {
	if message == "" {
		message = "Invalid or missing API key"
	}
	return NewAPIError(ErrorTypeAuthentication, ErrorCodeUnauthorized, message)
}

// ErrForbidden creates a permission error.
func ErrForbidden(message string) *APIError {
	return NewAPIError(ErrorTypePermission, ErrorCodeForbidden, message)
}

// ErrRateLimit creates an admission rejection carrying the offending scope.
func ErrRateLimit(scope string, retryAfter int) *APIError {
	return NewAPIError(ErrorTypeRateLimit, ErrorCodeRateLimitExceeded, "Rate limit exceeded").
		WithData(map[string]any{
			"scope":       scope,
			"retry_after": retryAfter,
		})
}

// ErrDatabase creates a storage error. The cause is kept for logging only.
func ErrDatabase(cause error) *APIError {
	return NewAPIError(ErrorTypeStorage, ErrorCodeDatabaseError, "Database unavailable").WithCause(cause)
}

// ErrValidation creates a validation error with per-field messages.
func ErrValidation(message string, fields map[string]string) *APIError {
	e := NewAPIError(ErrorTypeValidation, ErrorCodeValidationFailed, message)
	if len(fields) > 0 {
		e.Data = map[string]any{"errors": fields}
	}
	return e
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, ErrorCodeResourceNotFound, message)
}

// ErrMethodNotAllowed creates a method error.
func ErrMethodNotAllowed() *APIError {
	return NewAPIError(ErrorTypeMethod, ErrorCodeMethodNotAllowed, "Method not allowed")
}

// ErrInternal creates the generic internal error.
func ErrInternal() *APIError {
	return NewAPIError(ErrorTypeServer, ErrorCodeInternalServer, "Internal server error")
}
