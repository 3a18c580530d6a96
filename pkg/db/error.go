package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrTransient marks storage failures that are safe to retry with the same
// idempotency key.
var ErrTransient = errors.New("transient")

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsTransient reports whether err is a retryable storage failure: lock or
// statement timeouts, serialization failures, deadlocks and lost connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57014", // query_canceled
			strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "Error 1213") ||
		strings.Contains(msg, "Error 1205")
}

// Classify tags retryable storage failures with ErrTransient and returns every
// other error unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if IsTransient(err) {
		return errors.Join(ErrTransient, err)
	}
	return err
}
