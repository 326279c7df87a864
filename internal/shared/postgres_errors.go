package shared

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// IsPostgresUniqueViolation checks if the error is a unique_violation
// (SQLSTATE 23505).
func IsPostgresUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// Wrapped errors can lose the concrete type.
	return strings.Contains(strings.ToLower(err.Error()), "sqlstate "+pgUniqueViolation)
}
