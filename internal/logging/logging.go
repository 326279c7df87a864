// Package logging builds the process slog handler. Attributes that would tie
// a research code to a person are hashed or redacted before they are written.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options configures New.
type Options struct {
	Level string
	// HashSalt is mixed into user id hashes so they cannot be matched
	// against a list of known ids.
	HashSalt string
}

// New returns a JSON logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: Sanitizer(opts.HashSalt),
	}))
}

// ParseLevel maps debug|info|warn|error to a slog level. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sanitizer returns a ReplaceAttr func that hashes user identifiers and
// drops credentials.
func Sanitizer(salt string) func(groups []string, a slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		key := strings.ToLower(a.Key)
		switch {
		case isRedactKey(key):
			return slog.String(a.Key, "[REDACTED]")
		case isHashKey(key):
			return slog.String(a.Key, HashValue(salt, a.Value.String()))
		}
		return a
	}
}

// HashValue returns "hash:" and the first 12 hex digits of the salted sha256
// of raw. Empty input stays empty.
func HashValue(salt, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	h := sha256.New()
	if salt != "" {
		_, _ = h.Write([]byte(salt))
	}
	_, _ = h.Write([]byte(raw))
	return fmt.Sprintf("hash:%s", hex.EncodeToString(h.Sum(nil))[:12])
}

func isHashKey(key string) bool {
	return key == "user_id" || strings.HasSuffix(key, "_user_id")
}

func isRedactKey(key string) bool {
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "authorization"),
		strings.Contains(key, "password"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "cookie"),
		strings.Contains(key, "email"):
		return true
	default:
		return false
	}
}
