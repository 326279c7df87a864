package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
	"github.com/ashureev/coachlab-research/internal/metrics"
	"github.com/ashureev/coachlab-research/internal/shared"
	"github.com/ashureev/coachlab-research/internal/store"
	"github.com/google/uuid"
)

// Archiver persists completed sessions and their transcripts, at most once
// per research code.
type Archiver struct {
	repo    store.Repository
	format  CodeFormat
	newID   func() string
	now     func() time.Time
	metrics *metrics.Research
	logger  *slog.Logger
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithArchiverMetrics records archiver outcomes.
func WithArchiverMetrics(m *metrics.Research) ArchiverOption {
	return func(a *Archiver) { a.metrics = m }
}

// WithArchiverLogger sets the logger. It defaults to slog.Default().
func WithArchiverLogger(l *slog.Logger) ArchiverOption {
	return func(a *Archiver) { a.logger = l }
}

// WithIDGenerator replaces the row id source.
func WithIDGenerator(fn func() string) ArchiverOption {
	return func(a *Archiver) { a.newID = fn }
}

// NewArchiver creates an archiver over repo accepting codes in format.
func NewArchiver(repo store.Repository, format CodeFormat, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		repo:   repo,
		format: format,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveResult describes what an archival call left in the store.
type ArchiveResult struct {
	Session         *domain.ArchivedSession `json:"session"`
	MessageCount    int                     `json:"message_count"`
	SessionCreated  bool                    `json:"session_created"`
	MessagesWritten bool                    `json:"messages_written"`
}

// Transcript is an archived session with its messages.
type Transcript struct {
	Session  *domain.ArchivedSession  `json:"session"`
	Messages []domain.ArchivedMessage `json:"messages"`
}

// SaveSession stores the session record for code. When code already has a
// session, the stored record is returned unchanged with created == false.
func (a *Archiver) SaveSession(ctx context.Context, code string, meta domain.SessionMetadata) (*domain.ArchivedSession, bool, error) {
	const op = "save session"
	canonical, err := a.format.Normalize(code)
	if err != nil {
		return nil, false, stageErr(op, StageValidate, ErrInvalidCode, err)
	}
	if err := validateMetadata(meta); err != nil {
		return nil, false, stageErr(op, StageValidate, ErrInvalidInput, err)
	}
	return a.saveSession(ctx, op, canonical, meta, "")
}

func (a *Archiver) saveSession(ctx context.Context, op, code string, meta domain.SessionMetadata, digest string) (*domain.ArchivedSession, bool, error) {
	sess := &domain.ArchivedSession{
		ID:               a.newID(),
		ResearchCode:     code,
		PersonaName:      meta.PersonaName,
		StartedAt:        meta.StartedAt.UTC().Truncate(time.Millisecond),
		DurationSeconds:  meta.Duration(),
		TurnsUsed:        meta.TurnsUsed,
		MaxTurns:         meta.MaxTurns,
		Status:           meta.ResolvedStatus(),
		TranscriptDigest: digest,
		CreatedAt:        a.now().UTC().Truncate(time.Millisecond),
	}
	if meta.CompletedAt != nil {
		completed := meta.CompletedAt.UTC().Truncate(time.Millisecond)
		sess.CompletedAt = &completed
	}

	err := a.repo.InsertSession(ctx, sess)
	if err == nil {
		a.metrics.SessionArchived(metrics.OutcomeCreated)
		a.logger.Info("Research session archived", "research_code", code, "persona", sess.PersonaName, "status", sess.Status)
		return sess, true, nil
	}
	if !errors.Is(err, store.ErrUniqueViolation) {
		return nil, false, stageErr(op, StageSaveSession, ErrPersistenceUnavailable, err)
	}

	existing, err := a.repo.GetSessionByCode(ctx, code)
	if err != nil {
		return nil, false, stageErr(op, StageReread, ErrPersistenceUnavailable, err)
	}
	a.metrics.SessionArchived(metrics.OutcomeExisting)
	a.logger.Debug("Research session already archived", "research_code", code)
	return existing, false, nil
}

// SaveMessages stores turns as the transcript of sessionID. Position i gets
// turn number i/2+1, so a user entry and the assistant reply after it share
// a number. If the session already has a transcript, the stored messages
// are returned instead.
func (a *Archiver) SaveMessages(ctx context.Context, sessionID string, turns []domain.Turn) ([]domain.ArchivedMessage, error) {
	const op = "save messages"
	msgs, err := a.buildMessages(sessionID, turns)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, err)
	}
	persisted, _, err := a.persistMessages(ctx, sessionID, msgs)
	if err != nil {
		return nil, stageErr(op, StageSaveMessages, ErrPersistenceUnavailable, err)
	}
	return persisted, nil
}

// SaveCompleteSession archives a finished session and its transcript.
//
// A failure to store the session aborts with no record written. A failure
// after the session is stored returns the result together with an error
// matching ErrPartialArchival; the transcript can then be retried alone
// with RetryMessages. A repeated call for a code whose transcript is
// already stored writes nothing. A repeated call carrying a different
// transcript never attaches it to the first session.
func (a *Archiver) SaveCompleteSession(ctx context.Context, code string, meta domain.SessionMetadata, turns []domain.Turn) (*ArchiveResult, error) {
	const op = "save complete session"

	canonical, err := a.format.Normalize(code)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidCode, err)
	}
	if err := validateMetadata(meta); err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, err)
	}
	if !meta.ResolvedStatus().Terminal() {
		return nil, stageErr(op, StageValidate, ErrInvalidInput,
			fmt.Errorf("status %q is not terminal", meta.ResolvedStatus()))
	}
	// Validate the transcript before a session row is spent on it.
	if _, err := a.buildMessages("", turns); err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, err)
	}
	digest, err := transcriptDigest(turns)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, err)
	}

	sess, created, err := a.saveSession(ctx, op, canonical, meta, digest)
	if err != nil {
		return nil, err
	}
	result := &ArchiveResult{Session: sess, SessionCreated: created}

	if !created {
		count, err := a.repo.CountMessages(ctx, sess.ID)
		if err != nil {
			return result, stageErr(op, StageSaveMessages, ErrPersistenceUnavailable, err)
		}
		if count > 0 {
			result.MessageCount = count
			return result, nil
		}
		if sess.TranscriptDigest != "" && sess.TranscriptDigest != digest {
			a.logger.Warn("Ignoring transcript for an already archived session",
				"research_code", canonical,
				"session_id", sess.ID,
			)
			return result, nil
		}
		// Nothing stored yet: an earlier call failed after the session row
		// was written, or the session was saved on its own.
	}

	if err := a.writeTranscript(ctx, op, sess, turns, result); err != nil {
		return result, err
	}
	return result, nil
}

// RetryMessages stores the transcript of an already archived session. It is
// the recovery path for ErrPartialArchival. turns must be the transcript the
// session was archived with.
func (a *Archiver) RetryMessages(ctx context.Context, code string, turns []domain.Turn) (*ArchiveResult, error) {
	const op = "retry messages"

	canonical, err := a.format.Normalize(code)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidCode, err)
	}
	if _, err := a.buildMessages("", turns); err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, err)
	}

	sess, err := a.repo.GetSessionByCode(ctx, canonical)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stageErr(op, StageLookup, ErrNoSession, nil)
	}
	if err != nil {
		return nil, stageErr(op, StageLookup, ErrPersistenceUnavailable, err)
	}

	digest, err := transcriptDigest(turns)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, err)
	}
	if sess.TranscriptDigest != "" && sess.TranscriptDigest != digest {
		return nil, stageErr(op, StageValidate, ErrTranscriptMismatch, nil)
	}

	result := &ArchiveResult{Session: sess}
	count, err := a.repo.CountMessages(ctx, sess.ID)
	if err != nil {
		return result, stageErr(op, StageSaveMessages, ErrPersistenceUnavailable, err)
	}
	if count > 0 {
		result.MessageCount = count
		return result, nil
	}

	if err := a.writeTranscript(ctx, op, sess, turns, result); err != nil {
		return result, err
	}
	return result, nil
}

func (a *Archiver) writeTranscript(ctx context.Context, op string, sess *domain.ArchivedSession, turns []domain.Turn, result *ArchiveResult) error {
	msgs, err := a.buildMessages(sess.ID, turns)
	if err != nil {
		return stageErr(op, StageValidate, ErrInvalidInput, err)
	}
	persisted, wrote, err := a.persistMessages(ctx, sess.ID, msgs)
	if err != nil {
		a.metrics.PartialArchival()
		a.logger.Error("Research transcript not archived",
			"research_code", sess.ResearchCode,
			"session_id", sess.ID,
			"messages", len(msgs),
			"error", err,
		)
		return stageErr(op, StageSaveMessages, ErrPartialArchival, err)
	}
	result.MessageCount = len(persisted)
	result.MessagesWritten = wrote
	return nil
}

// persistMessages writes msgs as one batch. A batch rejected because the
// transcript already exists yields the stored messages with wrote == false.
func (a *Archiver) persistMessages(ctx context.Context, sessionID string, msgs []domain.ArchivedMessage) (persisted []domain.ArchivedMessage, wrote bool, err error) {
	if len(msgs) == 0 {
		return nil, false, nil
	}

	n, err := a.repo.InsertMessages(ctx, sessionID, msgs)
	if errors.Is(err, store.ErrUniqueViolation) {
		existing, listErr := a.repo.ListMessages(ctx, sessionID)
		if listErr != nil {
			return nil, false, listErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if n != len(msgs) {
		return nil, false, fmt.Errorf("message batch wrote %d of %d rows", n, len(msgs))
	}

	a.metrics.MessagesArchived(n)
	return msgs, true, nil
}

func (a *Archiver) buildMessages(sessionID string, turns []domain.Turn) ([]domain.ArchivedMessage, error) {
	msgs := make([]domain.ArchivedMessage, 0, len(turns))
	for i, turn := range turns {
		if !turn.Role.Valid() {
			return nil, fmt.Errorf("turn %d has unknown role %q", i, turn.Role)
		}
		if turn.Timestamp.IsZero() {
			return nil, fmt.Errorf("turn %d has no timestamp", i)
		}

		msg := domain.ArchivedMessage{
			ID:         a.newID(),
			SessionID:  sessionID,
			Position:   i,
			Role:       turn.Role,
			Content:    turn.Content,
			Timestamp:  turn.Timestamp.UTC().Truncate(time.Millisecond),
			TurnNumber: i/2 + 1,
		}
		if turn.Role == domain.RoleUser {
			if scores := turn.QualityScores.Sanitized(); scores != nil {
				msg.QualityScores = scores
				if lowest, ok := scores.Minimum(); ok {
					msg.QualityScoreMinimum = &lowest
				}
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// FinishSession moves an in-progress session to a terminal status.
// Terminal sessions are never modified.
func (a *Archiver) FinishSession(ctx context.Context, code string, status domain.SessionStatus, completedAt time.Time) (*domain.ArchivedSession, error) {
	const op = "finish session"

	canonical, err := a.format.Normalize(code)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidCode, err)
	}
	if !status.Terminal() {
		return nil, stageErr(op, StageValidate, ErrInvalidInput, fmt.Errorf("status %q is not terminal", status))
	}

	sess, err := a.repo.GetSessionByCode(ctx, canonical)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stageErr(op, StageLookup, ErrNoSession, nil)
	}
	if err != nil {
		return nil, stageErr(op, StageLookup, ErrPersistenceUnavailable, err)
	}
	if !sess.Status.CanTransition(status) {
		return sess, stageErr(op, StageTransition, ErrTerminalSession, nil)
	}

	completed := completedAt.UTC().Truncate(time.Millisecond)
	duration := domain.SessionMetadata{StartedAt: sess.StartedAt, CompletedAt: &completed}.Duration()
	err = a.repo.UpdateSessionStatus(ctx, canonical, domain.StatusInProgress, status, &completed, duration)
	if errors.Is(err, store.ErrNotFound) {
		// Another caller finished it first.
		current, getErr := a.repo.GetSessionByCode(ctx, canonical)
		if getErr != nil {
			return nil, stageErr(op, StageReread, ErrPersistenceUnavailable, getErr)
		}
		return current, stageErr(op, StageTransition, ErrTerminalSession, nil)
	}
	if err != nil {
		return nil, stageErr(op, StageTransition, ErrPersistenceUnavailable, err)
	}

	sess.Status = status
	sess.CompletedAt = &completed
	sess.DurationSeconds = duration
	return sess, nil
}

// LoadSession returns the archived session and transcript for code, or nil
// when nothing is archived under it.
func (a *Archiver) LoadSession(ctx context.Context, code string) (*Transcript, error) {
	const op = "load session"

	canonical, err := a.format.Normalize(code)
	if err != nil {
		return nil, stageErr(op, StageValidate, ErrInvalidCode, err)
	}
	sess, err := a.repo.GetSessionByCode(ctx, canonical)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, stageErr(op, StageLookup, ErrPersistenceUnavailable, err)
	}
	msgs, err := a.repo.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, stageErr(op, StageLookup, ErrPersistenceUnavailable, err)
	}
	return &Transcript{Session: sess, Messages: msgs}, nil
}

func validateMetadata(meta domain.SessionMetadata) error {
	switch {
	case strings.TrimSpace(meta.PersonaName) == "":
		return errors.New("persona name is required")
	case meta.StartedAt.IsZero():
		return errors.New("start time is required")
	case meta.TurnsUsed < 0 || meta.MaxTurns < 0:
		return errors.New("turn counts must not be negative")
	case meta.MaxTurns > 0 && meta.TurnsUsed > meta.MaxTurns:
		return fmt.Errorf("turns used %d exceeds max turns %d", meta.TurnsUsed, meta.MaxTurns)
	case meta.Status != "" && !meta.Status.Valid():
		return fmt.Errorf("unknown status %q", meta.Status)
	case meta.ResolvedStatus() == domain.StatusCompleted && meta.CompletedAt == nil:
		return errors.New("completed sessions need a completion time")
	case meta.ResolvedStatus() == domain.StatusInProgress && meta.CompletedAt != nil:
		return errors.New("in-progress sessions cannot have a completion time")
	}
	return nil
}

type digestLine struct {
	Role      domain.Role          `json:"role"`
	Content   string               `json:"content"`
	Timestamp int64                `json:"ts"`
	Scores    domain.QualityScores `json:"scores,omitempty"`
}

// transcriptDigest fingerprints the transcript as it will be stored.
func transcriptDigest(turns []domain.Turn) (string, error) {
	lines := make([]digestLine, 0, len(turns))
	for _, turn := range turns {
		line := digestLine{
			Role:      turn.Role,
			Content:   turn.Content,
			Timestamp: turn.Timestamp.UnixMilli(),
		}
		if turn.Role == domain.RoleUser {
			line.Scores = turn.QualityScores.Sanitized()
		}
		lines = append(lines, line)
	}
	digest, err := shared.DigestJSON(lines)
	if err != nil {
		return "", fmt.Errorf("digest transcript: %w", err)
	}
	return digest, nil
}
