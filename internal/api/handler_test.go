//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/coachlab-research/internal/research"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	cause := errors.New("driver exploded")
	tests := []struct {
		err  error
		want int
	}{
		{&research.StageError{Op: "x", Stage: research.StageValidate, Kind: research.ErrInvalidInput}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", research.ErrInvalidCode), http.StatusBadRequest},
		{fmt.Errorf("%w: bad", errInvalidPayload), http.StatusBadRequest},
		{&research.StageError{Kind: research.ErrNoSession}, http.StatusNotFound},
		{&research.StageError{Kind: research.ErrTranscriptMismatch}, http.StatusConflict},
		{&research.StageError{Kind: research.ErrTerminalSession}, http.StatusConflict},
		{&research.StageError{Kind: research.ErrPartialArchival, Err: cause}, http.StatusAccepted},
		{&research.StageError{Kind: research.ErrRegistryExhausted}, http.StatusServiceUnavailable},
		{&research.StageError{Kind: research.ErrPersistenceUnavailable, Err: cause}, http.StatusServiceUnavailable},
		{cause, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPublicMessageHidesCause(t *testing.T) {
	err := &research.StageError{Op: "save", Stage: research.StageSaveSession, Kind: research.ErrPersistenceUnavailable, Err: errors.New("password=hunter2")}
	if got := publicMessage(err); got != research.ErrPersistenceUnavailable.Error() {
		t.Fatalf("unexpected public message %q", got)
	}
	if got := publicMessage(errors.New("boom")); got != "internal error" {
		t.Fatalf("unexpected public message %q", got)
	}
}

func TestValidatePayload(t *testing.T) {
	valid := `{"persona":"jamie","metadata":{"started_at":"2026-03-14T09:00:00Z"},"history":[]}`
	if err := validatePayload(schemaArchiveSession, []byte(valid)); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	for name, body := range map[string]string{
		"missing history": `{"persona":"jamie","metadata":{"started_at":"2026-03-14T09:00:00Z"}}`,
		"bad role":        `{"persona":"jamie","metadata":{"started_at":"2026-03-14T09:00:00Z"},"history":[{"role":"narrator","content":"x"}]}`,
		"bad time":        `{"persona":"jamie","metadata":{"started_at":"yesterday"},"history":[]}`,
		"extra field":     `{"persona":"jamie","user_id":"u1","metadata":{"started_at":"2026-03-14T09:00:00Z"},"history":[]}`,
		"in progress":     `{"persona":"jamie","metadata":{"started_at":"2026-03-14T09:00:00Z","status":"in-progress"},"history":[]}`,
	} {
		err := validatePayload(schemaArchiveSession, []byte(body))
		if !errors.Is(err, errInvalidPayload) {
			t.Errorf("%s: expected errInvalidPayload, got %v", name, err)
		}
	}
}
