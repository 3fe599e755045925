package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsUniqueViolation checks if the error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL unique violation error code
		return pgErr.Code == "23505"
	}

	// Fallback to string matching for wrapped errors
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "violates unique constraint")
}

// IsForeignKeyViolation checks if the error is a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL foreign key violation error code
		return pgErr.Code == "23503"
	}

	return strings.Contains(err.Error(), "violates foreign key constraint")
}

// IsNoRows checks if the error indicates a record was not found.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
