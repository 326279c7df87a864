package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/coachlab-research/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisTxRetries = 3

// RedisStore implements Repository on Redis. Uniqueness is enforced with
// optimistic WATCH/MULTI transactions and SETNX instead of table constraints.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis creates a Redis-backed repository and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client. Tests use it with miniredis.
func NewRedisFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "research:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) ownerKey(userID, persona string) string {
	return r.prefix + "owner:" + persona + ":" + userID
}

func (r *RedisStore) codeKey(code string) string {
	return r.prefix + "code:" + code
}

func (r *RedisStore) sessionKey(code string) string {
	return r.prefix + "session:" + code
}

func (r *RedisStore) messagesKey(sessionID string) string {
	return r.prefix + "messages:" + sessionID
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changes underneath it.
func (r *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < redisTxRetries; i++ {
		err = r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Ping verifies Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// GetCodeMapping retrieves the mapping for a user and persona.
func (r *RedisStore) GetCodeMapping(ctx context.Context, userID, persona string) (*domain.CodeMapping, error) {
	fields, err := r.client.HGetAll(ctx, r.ownerKey(userID, persona)).Result()
	if err != nil {
		return nil, fmt.Errorf("get code mapping: %w", err)
	}
	code, ok := fields["research_code"]
	if !ok {
		return nil, fmt.Errorf("get code mapping: %w", ErrNotFound)
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return &domain.CodeMapping{
		UserID:       userID,
		PersonaName:  persona,
		ResearchCode: code,
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
	}, nil
}

// CodeExists reports whether a research code is already assigned.
func (r *RedisStore) CodeExists(ctx context.Context, code string) (bool, error) {
	n, err := r.client.Exists(ctx, r.codeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("check code: %w", err)
	}
	return n > 0, nil
}

// InsertCodeMapping claims both the owner key and the code key, or neither.
// The code key records only its creation time, never the owner.
func (r *RedisStore) InsertCodeMapping(ctx context.Context, m *domain.CodeMapping) error {
	ownerKey := r.ownerKey(m.UserID, m.PersonaName)
	codeKey := r.codeKey(m.ResearchCode)
	createdAt := m.CreatedAt.UnixMilli()

	err := r.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, ownerKey, codeKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrUniqueViolation
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ownerKey, "research_code", m.ResearchCode, "created_at", createdAt)
			pipe.Set(ctx, codeKey, createdAt, 0)
			return nil
		})
		return err
	}, ownerKey, codeKey)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched one of the keys; report it as the collision
		// it almost certainly is so the caller re-reads.
		return fmt.Errorf("insert code mapping: %w: %w", ErrUniqueViolation, err)
	}
	if err != nil {
		return fmt.Errorf("insert code mapping: %w", err)
	}
	return nil
}

// GetSessionByCode retrieves the archived session for a research code.
func (r *RedisStore) GetSessionByCode(ctx context.Context, code string) (*domain.ArchivedSession, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess domain.ArchivedSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// InsertSession stores a new archived session with SETNX.
func (r *RedisStore) InsertSession(ctx context.Context, sess *domain.ArchivedSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.sessionKey(sess.ResearchCode), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert session: %w", ErrUniqueViolation)
	}
	return nil
}

// UpdateSessionStatus moves a session between statuses.
func (r *RedisStore) UpdateSessionStatus(ctx context.Context, code string, from, to domain.SessionStatus, completedAt *time.Time, durationSeconds *int64) error {
	key := r.sessionKey(code)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess domain.ArchivedSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if sess.Status != from {
			return ErrNotFound
		}
		sess.Status = to
		sess.CompletedAt = completedAt
		sess.DurationSeconds = durationSeconds
		updated, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// InsertMessages appends a transcript to an empty message list in one
// MULTI/EXEC block.
func (r *RedisStore) InsertMessages(ctx context.Context, sessionID string, messages []domain.ArchivedMessage) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	values := make([]interface{}, 0, len(messages))
	for i := range messages {
		msg := messages[i]
		msg.SessionID = sessionID
		raw, err := json.Marshal(&msg)
		if err != nil {
			return 0, fmt.Errorf("encode message %d: %w", msg.Position, err)
		}
		values = append(values, raw)
	}

	key := r.messagesKey(sessionID)
	var length int64
	err := r.watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrUniqueViolation
		}
		var push *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			push = pipe.RPush(ctx, key, values...)
			return nil
		})
		if err != nil {
			return err
		}
		length = push.Val()
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, fmt.Errorf("insert messages: %w: %w", ErrUniqueViolation, err)
	}
	if err != nil {
		return 0, fmt.Errorf("insert messages: %w", err)
	}
	return int(length), nil
}

// CountMessages returns the number of stored messages for a session.
func (r *RedisStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	n, err := r.client.LLen(ctx, r.messagesKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(n), nil
}

// ListMessages returns a session's messages in transcript order.
func (r *RedisStore) ListMessages(ctx context.Context, sessionID string) ([]domain.ArchivedMessage, error) {
	raws, err := r.client.LRange(ctx, r.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]domain.ArchivedMessage, 0, len(raws))
	for i, raw := range raws {
		var msg domain.ArchivedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
