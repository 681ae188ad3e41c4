package handler

// RESPONSE HELPERS:
// Every REST handler answers through writeJSON or writeError so the API has
// one response shape.
//
// CONSISTENT ERROR FORMAT:
// Every error response has the same shape:
//   {"error": "not_found", "message": "session not found with id abc123"}
//
// The websocket channel reuses errorBody so a client can parse failures the
// same way on both transports.

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/mojo-kernel/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"` // Human-readable description
}

// writeJSON sends a JSON response with the given status code.
//
// Headers and status must be set BEFORE the body: once Encode writes, the
// headers are gone.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
// The service returns apperror sentinels and never knows about HTTP. This is
// the one place they become status codes.
func writeError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	writeJSON(w, status, body)
}

// errorBody classifies err. Errors that are not *apperror.AppError become a
// generic 500: their text might carry SQL or file paths.
func errorBody(err error) (int, ErrorResponse) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		}
	}

	status := http.StatusInternalServerError
	errorType := "internal_error"

	switch {
	case errors.Is(err, apperror.ErrValidation):
		status = http.StatusBadRequest // 400
		errorType = "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		status = http.StatusUnauthorized // 401
		errorType = "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		status = http.StatusForbidden // 403
		errorType = "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound // 404
		errorType = "not_found"
	case errors.Is(err, apperror.ErrConflict):
		status = http.StatusConflict // 409
		errorType = "conflict"
	case errors.Is(err, apperror.ErrUnavailable):
		status = http.StatusServiceUnavailable // 503
		errorType = "unavailable"
	}

	return status, ErrorResponse{Error: errorType, Message: appErr.Message}
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst
// untouched so optional bodies work.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
	}
	return nil
}
