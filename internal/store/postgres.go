package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/coachlab-research/internal/shared"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres creates a repository backed by the hosted Postgres database.
func NewPostgres(ctx context.Context, databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := newSQLStore(db, dialect{
		name:     "postgres",
		numbered: true,
		isUnique: shared.IsPostgresUniqueViolation,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
