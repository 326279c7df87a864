package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/coachlab-research/internal/shared"
	_ "modernc.org/sqlite"
)

// NewSQLite creates a SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL plus immediate write transactions keeps concurrent batch writers
	// from deadlocking on lock upgrades.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := newSQLStore(db, dialect{
		name:          "sqlite",
		schemaPrefix:  "PRAGMA busy_timeout = 5000;",
		isUnique:      shared.IsSQLiteUniqueViolation,
		isContention:  shared.IsSQLiteContentionError,
		maxRetries:    3,
		baseRetryWait: 50 * time.Millisecond,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
