package database

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicate is matched by every *DuplicateError.
var ErrDuplicate = errors.New("duplicate key")

// DuplicateError reports a uniqueness violation on a named field.
type DuplicateError struct {
	Field string // "username", "email", "extension" or "artifact"
	Value string
	Err   error
}

func (e *DuplicateError) Error() string {
	return e.Field + " " + e.Value + " already exists"
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

func (e *DuplicateError) Unwrap() error {
	return e.Err
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint failure from
// either supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// uniqueColumn guesses which users column a uniqueness error refers to.
func uniqueColumn(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "users.email"), strings.Contains(msg, "users_email_key"):
		return "email"
	case strings.Contains(msg, "users.api_key"), strings.Contains(msg, "users_api_key_key"):
		return "api_key"
	default:
		return "username"
	}
}
