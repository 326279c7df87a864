package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
	"github.com/ashureev/coachlab-research/internal/shared"
)

// dialect captures what differs between the SQL engines behind SQLStore.
type dialect struct {
	name          string
	numbered      bool // $1-style placeholders instead of ?
	schemaPrefix  string
	isUnique      func(error) bool
	isContention  func(error) bool
	maxRetries    int
	baseRetryWait time.Duration
}

// SQLStore implements Repository over database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS research_code_mappings (
		user_id TEXT NOT NULL,
		persona_name TEXT NOT NULL,
		research_code TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, persona_name)
	);

	CREATE TABLE IF NOT EXISTS research_sessions (
		id TEXT PRIMARY KEY,
		research_code TEXT NOT NULL UNIQUE,
		persona_name TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		completed_at BIGINT,
		duration_seconds BIGINT,
		turns_used INTEGER NOT NULL,
		max_turns INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('in-progress', 'completed', 'abandoned')),
		transcript_digest TEXT,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_research_sessions_persona ON research_sessions(persona_name);

	CREATE TABLE IF NOT EXISTS research_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES research_sessions(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content TEXT NOT NULL,
		sent_at BIGINT NOT NULL,
		turn_number INTEGER NOT NULL,
		quality_scores TEXT,
		quality_score_minimum DOUBLE PRECISION,
		UNIQUE (session_id, seq)
	);
	`

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	if _, err := s.db.Exec(s.d.schemaPrefix + schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for engines that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify maps a driver error onto the package outcome set.
func (s *SQLStore) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case s.d.isUnique != nil && s.d.isUnique(err):
		return fmt.Errorf("%s: %w: %w", op, ErrUniqueViolation, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// withRetry retries fn on lock contention with exponential backoff.
func (s *SQLStore) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := s.d.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || s.d.isContention == nil || !s.d.isContention(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := s.d.baseRetryWait * time.Duration(1<<i)
		slog.Debug("Database contention, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, attempts, err)
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetCodeMapping retrieves the mapping for a user and persona.
func (s *SQLStore) GetCodeMapping(ctx context.Context, userID, persona string) (*domain.CodeMapping, error) {
	query := `
		SELECT user_id, persona_name, research_code, created_at
		FROM research_code_mappings WHERE user_id = ? AND persona_name = ?`

	var m domain.CodeMapping
	var createdAt int64
	err := s.withRetry(ctx, "get code mapping", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(query), userID, persona).
			Scan(&m.UserID, &m.PersonaName, &m.ResearchCode, &createdAt)
	})
	if err != nil {
		return nil, s.classify("get code mapping", err)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

// CodeExists reports whether a research code is already assigned.
func (s *SQLStore) CodeExists(ctx context.Context, code string) (bool, error) {
	query := `SELECT COUNT(*) FROM research_code_mappings WHERE research_code = ?`

	var n int
	err := s.withRetry(ctx, "check code", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(query), code).Scan(&n)
	})
	if err != nil {
		return false, s.classify("check code", err)
	}
	return n > 0, nil
}

// InsertCodeMapping stores a new mapping.
func (s *SQLStore) InsertCodeMapping(ctx context.Context, m *domain.CodeMapping) error {
	query := `
		INSERT INTO research_code_mappings (user_id, persona_name, research_code, created_at)
		VALUES (?, ?, ?, ?)`

	err := s.withRetry(ctx, "insert code mapping", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(query),
			m.UserID, m.PersonaName, m.ResearchCode, m.CreatedAt.UnixMilli())
		return err
	})
	return s.classify("insert code mapping", err)
}

// GetSessionByCode retrieves the archived session for a research code.
func (s *SQLStore) GetSessionByCode(ctx context.Context, code string) (*domain.ArchivedSession, error) {
	query := `
		SELECT id, research_code, persona_name, started_at, completed_at,
		       duration_seconds, turns_used, max_turns, status,
		       transcript_digest, created_at
		FROM research_sessions WHERE research_code = ?`

	var sess domain.ArchivedSession
	var startedAt, createdAt int64
	var completedAt, duration sql.NullInt64
	var status string
	var digest sql.NullString
	err := s.withRetry(ctx, "get session", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(query), code).Scan(
			&sess.ID, &sess.ResearchCode, &sess.PersonaName, &startedAt, &completedAt,
			&duration, &sess.TurnsUsed, &sess.MaxTurns, &status,
			&digest, &createdAt,
		)
	})
	if err != nil {
		return nil, s.classify("get session", err)
	}

	sess.StartedAt = time.UnixMilli(startedAt).UTC()
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.Status = domain.SessionStatus(status)
	sess.TranscriptDigest = digest.String
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64).UTC()
		sess.CompletedAt = &ts
	}
	if duration.Valid {
		d := duration.Int64
		sess.DurationSeconds = &d
	}
	return &sess, nil
}

// InsertSession stores a new archived session.
func (s *SQLStore) InsertSession(ctx context.Context, sess *domain.ArchivedSession) error {
	query := `
		INSERT INTO research_sessions (
			id, research_code, persona_name, started_at, completed_at,
			duration_seconds, turns_used, max_turns, status,
			transcript_digest, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var completedAt, duration, digest interface{}
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UnixMilli()
	}
	if sess.DurationSeconds != nil {
		duration = *sess.DurationSeconds
	}
	if sess.TranscriptDigest != "" {
		digest = sess.TranscriptDigest
	}

	err := s.withRetry(ctx, "insert session", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(query),
			sess.ID, sess.ResearchCode, sess.PersonaName, sess.StartedAt.UnixMilli(), completedAt,
			duration, sess.TurnsUsed, sess.MaxTurns, string(sess.Status),
			digest, sess.CreatedAt.UnixMilli(),
		)
		return err
	})
	return s.classify("insert session", err)
}

// UpdateSessionStatus moves a session between statuses with a conditional update.
func (s *SQLStore) UpdateSessionStatus(ctx context.Context, code string, from, to domain.SessionStatus, completedAt *time.Time, durationSeconds *int64) error {
	query := `
		UPDATE research_sessions
		SET status = ?, completed_at = ?, duration_seconds = ?
		WHERE research_code = ? AND status = ?`

	var completed, duration interface{}
	if completedAt != nil {
		completed = completedAt.UnixMilli()
	}
	if durationSeconds != nil {
		duration = *durationSeconds
	}

	var rows int64
	err := s.withRetry(ctx, "update session status", func() error {
		result, err := s.db.ExecContext(ctx, s.rebind(query), string(to), completed, duration, code, string(from))
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return s.classify("update session status", err)
	}
	if rows == 0 {
		return fmt.Errorf("update session status: %w", ErrNotFound)
	}
	return nil
}

// InsertMessages stores a transcript batch in a single transaction. A batch
// that writes fewer rows than submitted is rolled back.
func (s *SQLStore) InsertMessages(ctx context.Context, sessionID string, messages []domain.ArchivedMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO research_messages (
			id, session_id, seq, role, content, sent_at,
			turn_number, quality_scores, quality_score_minimum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	rows := make([][]interface{}, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		var scores, minimum interface{}
		if msg.QualityScores != nil {
			raw, err := shared.CanonicalJSON(msg.QualityScores)
			if err != nil {
				return 0, fmt.Errorf("encode quality scores for message %d: %w", msg.Position, err)
			}
			scores = string(raw)
		}
		if msg.QualityScoreMinimum != nil {
			minimum = *msg.QualityScoreMinimum
		}
		rows = append(rows, []interface{}{
			msg.ID, sessionID, msg.Position, string(msg.Role), msg.Content,
			msg.Timestamp.UnixMilli(), msg.TurnNumber, scores, minimum,
		})
	}

	var written int64
	err := s.withRetry(ctx, "insert messages", func() error {
		written = 0
		return s.insertBatch(ctx, s.rebind(query), rows, &written)
	})
	if err != nil {
		return 0, s.classify("insert messages", err)
	}
	return int(written), nil
}

func (s *SQLStore) insertBatch(ctx context.Context, query string, rows [][]interface{}, written *int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back message batch", "error", rbErr)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			slog.Warn("failed to close batch statement", "error", closeErr)
		}
	}()

	for _, args := range rows {
		result, execErr := stmt.ExecContext(ctx, args...)
		if execErr != nil {
			return execErr
		}
		n, raErr := result.RowsAffected()
		if raErr != nil {
			return fmt.Errorf("get rows affected: %w", raErr)
		}
		*written += n
	}
	if *written != int64(len(rows)) {
		return fmt.Errorf("short batch: wrote %d of %d rows", *written, len(rows))
	}
	return tx.Commit()
}

// CountMessages returns the number of stored messages for a session.
func (s *SQLStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	query := `SELECT COUNT(*) FROM research_messages WHERE session_id = ?`

	var n int
	err := s.withRetry(ctx, "count messages", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(query), sessionID).Scan(&n)
	})
	if err != nil {
		return 0, s.classify("count messages", err)
	}
	return n, nil
}

// ListMessages returns a session's messages ordered by position.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]domain.ArchivedMessage, error) {
	query := `
		SELECT id, session_id, seq, role, content, sent_at,
		       turn_number, quality_scores, quality_score_minimum
		FROM research_messages WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), sessionID)
	if err != nil {
		return nil, s.classify("query messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.ArchivedMessage
	for rows.Next() {
		var msg domain.ArchivedMessage
		var role string
		var sentAt int64
		var scores sql.NullString
		var minimum sql.NullFloat64

		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Position, &role, &msg.Content, &sentAt,
			&msg.TurnNumber, &scores, &minimum,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.Timestamp = time.UnixMilli(sentAt).UTC()
		if scores.Valid {
			if err := json.Unmarshal([]byte(scores.String), &msg.QualityScores); err != nil {
				return nil, fmt.Errorf("decode quality scores for message %d: %w", msg.Position, err)
			}
		}
		if minimum.Valid {
			v := minimum.Float64
			msg.QualityScoreMinimum = &v
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Dialect names the SQL engine behind the store.
func (s *SQLStore) Dialect() string {
	return s.d.name
}
