package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
	"github.com/ashureev/coachlab-research/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memRepo is an in-memory store.Repository with the same uniqueness rules
// as the real adapters, plus failure switches.
type memRepo struct {
	mu       sync.Mutex
	owners   map[string]domain.CodeMapping
	codes    map[string]bool
	sessions map[string]domain.ArchivedSession
	messages map[string][]domain.ArchivedMessage

	calls int

	getMappingErr     error
	insertSessionErr  error
	insertMessagesErr error
	// hideCodes makes CodeExists always answer false, simulating a code
	// claimed between the exists check and the insert.
	hideCodes bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		owners:   make(map[string]domain.CodeMapping),
		codes:    make(map[string]bool),
		sessions: make(map[string]domain.ArchivedSession),
		messages: make(map[string][]domain.ArchivedMessage),
	}
}

func ownerKey(userID, persona string) string {
	return persona + "\x00" + userID
}

func (m *memRepo) GetCodeMapping(_ context.Context, userID, persona string) (*domain.CodeMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.getMappingErr != nil {
		return nil, m.getMappingErr
	}
	mapping, ok := m.owners[ownerKey(userID, persona)]
	if !ok {
		return nil, fmt.Errorf("get code mapping: %w", store.ErrNotFound)
	}
	return &mapping, nil
}

func (m *memRepo) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.hideCodes {
		return false, nil
	}
	return m.codes[code], nil
}

func (m *memRepo) InsertCodeMapping(_ context.Context, mapping *domain.CodeMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	key := ownerKey(mapping.UserID, mapping.PersonaName)
	if _, ok := m.owners[key]; ok || m.codes[mapping.ResearchCode] {
		return fmt.Errorf("insert code mapping: %w", store.ErrUniqueViolation)
	}
	m.owners[key] = *mapping
	m.codes[mapping.ResearchCode] = true
	return nil
}

func (m *memRepo) GetSessionByCode(_ context.Context, code string) (*domain.ArchivedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	sess, ok := m.sessions[code]
	if !ok {
		return nil, fmt.Errorf("get session: %w", store.ErrNotFound)
	}
	return &sess, nil
}

func (m *memRepo) InsertSession(_ context.Context, sess *domain.ArchivedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.insertSessionErr != nil {
		return m.insertSessionErr
	}
	if _, ok := m.sessions[sess.ResearchCode]; ok {
		return fmt.Errorf("insert session: %w", store.ErrUniqueViolation)
	}
	m.sessions[sess.ResearchCode] = *sess
	return nil
}

func (m *memRepo) UpdateSessionStatus(_ context.Context, code string, from, to domain.SessionStatus, completedAt *time.Time, durationSeconds *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	sess, ok := m.sessions[code]
	if !ok || sess.Status != from {
		return fmt.Errorf("update session status: %w", store.ErrNotFound)
	}
	sess.Status = to
	sess.CompletedAt = completedAt
	sess.DurationSeconds = durationSeconds
	m.sessions[code] = sess
	return nil
}

func (m *memRepo) InsertMessages(_ context.Context, sessionID string, msgs []domain.ArchivedMessage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.insertMessagesErr != nil {
		return 0, m.insertMessagesErr
	}
	if len(m.messages[sessionID]) > 0 {
		return 0, fmt.Errorf("insert messages: %w", store.ErrUniqueViolation)
	}
	stored := make([]domain.ArchivedMessage, len(msgs))
	for i, msg := range msgs {
		msg.SessionID = sessionID
		stored[i] = msg
	}
	m.messages[sessionID] = stored
	return len(stored), nil
}

func (m *memRepo) CountMessages(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return len(m.messages[sessionID]), nil
}

func (m *memRepo) ListMessages(_ context.Context, sessionID string) ([]domain.ArchivedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return append([]domain.ArchivedMessage(nil), m.messages[sessionID]...), nil
}

func (m *memRepo) Ping(context.Context) error { return nil }

func (m *memRepo) Close() error { return nil }

func (m *memRepo) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memRepo) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memRepo) setInsertMessagesErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertMessagesErr = err
}

var errStoreDown = errors.New("connection refused")

// scriptedCodes returns the given candidates in order, then fails.
func scriptedCodes(codes ...string) (func() (string, error), *int) {
	var mu sync.Mutex
	calls := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if calls >= len(codes) {
			calls++
			return codes[len(codes)-1], nil
		}
		code := codes[calls]
		calls++
		return code, nil
	}, &calls
}
