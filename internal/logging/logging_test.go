package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestUserIDIsHashed(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "info", HashSalt: "pepper"})

	logger.Info("Research code created", "user_id", "user-123", "persona", "jamie")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	got, _ := entry["user_id"].(string)
	if got != HashValue("pepper", "user-123") {
		t.Fatalf("expected hashed user id, got %q", got)
	}
	if strings.Contains(buf.String(), "user-123") {
		t.Fatalf("raw user id leaked: %s", buf.String())
	}
	if entry["persona"] != "jamie" {
		t.Fatalf("unrelated attribute changed: %v", entry["persona"])
	}
}

func TestHashValue(t *testing.T) {
	a := HashValue("s1", "user-1")
	if !strings.HasPrefix(a, "hash:") || len(a) != len("hash:")+12 {
		t.Fatalf("unexpected hash shape %q", a)
	}
	if a != HashValue("s1", "user-1") {
		t.Fatal("hash must be stable")
	}
	if a == HashValue("s2", "user-1") {
		t.Fatal("salt must change the hash")
	}
	if HashValue("s1", "") != "" {
		t.Fatal("empty input should stay empty")
	}
}

func TestSecretsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{})
	logger.Warn("connect", "redis_password", "hunter2")

	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDebugFilteredAtInfo(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, Options{Level: "info"}).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %s", buf.String())
	}
}
