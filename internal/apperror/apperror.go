// Package apperror defines the errors the service layer returns to
// handlers. Each AppError wraps one sentinel so handlers can pick a status
// code with errors.Is.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("unavailable")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // human-readable message
	Field   string // optional: request field causing the error
	Cause   error  // optional: underlying failure, kept for logs
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a request that collides with work already in progress.
func Conflict(resource, id, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s %s: %s", resource, id, message),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized is returned when a request carries no valid credentials.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Unavailable wraps a failure to bring up a kernel. HTTP handlers map it to
// 503 Service Unavailable.
func Unavailable(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: message,
		Cause:   cause,
	}
}
