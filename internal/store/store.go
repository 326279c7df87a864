// Package store provides the research archive persistence interfaces and
// implementations.
//
// Every adapter reports failures through the same small outcome set: a
// missing row is ErrNotFound, a rejected insert is ErrUniqueViolation, and
// anything else is an opaque wrapped error. Callers branch with errors.Is and
// never inspect driver-specific codes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
)

var (
	// ErrNotFound reports that a lookup matched no row.
	ErrNotFound = errors.New("store: not found")

	// ErrUniqueViolation reports that an insert collided with an existing
	// unique row.
	ErrUniqueViolation = errors.New("store: unique violation")
)

// Repository defines the persistence surface of the research archive.
// It deliberately has no method that resolves a research code back to a
// user ID.
type Repository interface {
	// GetCodeMapping returns the mapping for a user and persona.
	GetCodeMapping(ctx context.Context, userID, persona string) (*domain.CodeMapping, error)

	// CodeExists reports whether a research code is already assigned.
	CodeExists(ctx context.Context, code string) (bool, error)

	// InsertCodeMapping stores a new mapping. It fails with ErrUniqueViolation
	// when either the (user, persona) pair or the code is taken.
	InsertCodeMapping(ctx context.Context, mapping *domain.CodeMapping) error

	// GetSessionByCode returns the archived session for a research code.
	GetSessionByCode(ctx context.Context, code string) (*domain.ArchivedSession, error)

	// InsertSession stores a new archived session. It fails with
	// ErrUniqueViolation when the code already has a session.
	InsertSession(ctx context.Context, session *domain.ArchivedSession) error

	// UpdateSessionStatus moves the session for code from one status to
	// another. It fails with ErrNotFound when no session for code is
	// currently in the from status.
	UpdateSessionStatus(ctx context.Context, code string, from, to domain.SessionStatus, completedAt *time.Time, durationSeconds *int64) error

	// InsertMessages stores a session's transcript as one atomic batch and
	// returns the number of rows written. It fails with ErrUniqueViolation
	// when a transcript is already stored for the session.
	InsertMessages(ctx context.Context, sessionID string, messages []domain.ArchivedMessage) (int, error)

	// CountMessages returns the number of stored messages for a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// ListMessages returns a session's messages in transcript order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.ArchivedMessage, error)

	// Ping verifies connectivity and returns an error if the store is unreachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

var (
	_ Repository = (*SQLStore)(nil)
	_ Repository = (*RedisStore)(nil)
)
