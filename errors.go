package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("already exists")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrInvalidSession        = errors.New("invalid or expired session")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrAlreadyVerified       = errors.New("email already verified")
	ErrAlreadyPublished      = errors.New("idea is already published")
	ErrUnauthenticated       = errors.New("unauthenticated")
)

// ValidationError carries field-level messages for malformed input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+": "+v)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// add records a message for field and returns the receiver for chaining.
func (e *ValidationError) add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
	return e
}

// orNil returns nil when no field failed, so callers can `return v.orNil()`.
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// APIError represents a structured API error response
type APIError struct {
	Code    string            `json:"error_code"`
	Message string            `json:"error_message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, status, APIError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, status int, e APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// writeServiceError translates a service error into the public taxonomy. Anything it does not
// recognize is logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeAPIError(w, http.StatusBadRequest, APIError{Code: "VALIDATION_ERROR", Message: "Invalid input", Fields: verr.Fields})
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "INVALID_SESSION", "Session is invalid or has expired")
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	case errors.Is(err, ErrInvalidOrExpiredToken):
		writeError(w, http.StatusBadRequest, "INVALID_TOKEN", "Token is invalid or has expired")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", "Resource already exists")
	case errors.Is(err, ErrAlreadyVerified):
		writeError(w, http.StatusConflict, "ALREADY_VERIFIED", "Email is already verified")
	case errors.Is(err, ErrAlreadyPublished):
		writeError(w, http.StatusBadRequest, "ALREADY_PUBLISHED", "Idea is already published")
	default:
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
