package apperror

import (
	"errors"
	"fmt"
	"testing"
)

var errCause = errors.New("mojo-repl-server not found")

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("session", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("code", "code is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "Conflict wraps ErrConflict",
			err:       Conflict("session", "abc123", "busy"),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "Unauthorized wraps ErrUnauthorized",
			err:       Unauthorized("missing token"),
			target:    ErrUnauthorized,
			wantMatch: true,
		},
		{
			name:      "Unavailable wraps ErrUnavailable",
			err:       Unavailable("kernel failed to start", errCause),
			target:    ErrUnavailable,
			wantMatch: true,
		},
		{
			name:      "Unavailable exposes its cause",
			err:       Unavailable("kernel failed to start", errCause),
			target:    errCause,
			wantMatch: true,
		},
		{
			name:      "wrapped NotFound still matches",
			err:       fmt.Errorf("history: %w", NotFound("session", "abc123")),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "NotFound does NOT match ErrValidation",
			err:       NotFound("session", "abc123"),
			target:    ErrValidation,
			wantMatch: false,
		},
		{
			name:      "Forbidden does NOT match ErrUnauthorized",
			err:       Forbidden("not your session"),
			target:    ErrUnauthorized,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("session", "abc123"),
			wantMessage: "session not found with id abc123",
		},
		{
			name:        "ValidationFailed uses custom message",
			err:         ValidationFailed("code", "code is required"),
			wantMessage: "code is required",
		},
		{
			name:        "Conflict message includes resource, id and reason",
			err:         Conflict("session", "abc123", "an execution is already running"),
			wantMessage: "session abc123: an execution is already running",
		},
		{
			name:        "Unavailable hides its cause",
			err:         Unavailable("kernel failed to start", errCause),
			wantMessage: "kernel failed to start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestErrorsAs(t *testing.T) {
	err := fmt.Errorf("creating session: %w", ValidationFailed("engine", "unknown engine kind"))

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As() failed to find *AppError")
	}
	if appErr.Field != "engine" {
		t.Errorf("Field = %q, want %q", appErr.Field, "engine")
	}
}
