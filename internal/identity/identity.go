// Package identity extracts the authenticated user from requests forwarded
// by the trusted session layer.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// DefaultHeader carries the authenticated user id set by the upstream proxy.
const DefaultHeader = "X-Authenticated-User"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func sanitizeUserID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if !userIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// Middleware reads the user id from header and rejects requests without a
// well-formed one.
func Middleware(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := sanitizeUserID(r.Header.Get(header))
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"missing or malformed user identity"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
