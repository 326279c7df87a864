// Package api provides HTTP handlers for the research archive.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashureev/coachlab-research/internal/research"
)

// maxBodyBytes bounds request bodies. A long session transcript fits well
// inside it.
const maxBodyBytes = 2 << 20

var errInvalidPayload = errors.New("invalid payload")

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodePayload reads the body, checks it against the named schema and
// unmarshals it into dst.
func decodePayload(w http.ResponseWriter, r *http.Request, schema string, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", errInvalidPayload, err)
	}
	if err := validatePayload(schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %w", errInvalidPayload, err)
	}
	return nil
}

// statusFor maps research error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidPayload),
		errors.Is(err, research.ErrInvalidInput),
		errors.Is(err, research.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, research.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, research.ErrTranscriptMismatch),
		errors.Is(err, research.ErrTerminalSession):
		return http.StatusConflict
	case errors.Is(err, research.ErrPartialArchival):
		return http.StatusAccepted
	case errors.Is(err, research.ErrRegistryExhausted),
		errors.Is(err, research.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns an error message safe to send to clients. Store
// causes stay in the logs.
func publicMessage(err error) string {
	var se *research.StageError
	if errors.As(err, &se) {
		return se.Kind.Error()
	}
	if errors.Is(err, errInvalidPayload) {
		return err.Error()
	}
	return "internal error"
}
