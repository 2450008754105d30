package database

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	sqlite3 "modernc.org/sqlite/lib"
)

// Postgres SQLSTATE codes treated as contention or uniqueness failures.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

type sqliteCoder interface {
	Code() int
}

// KindOf maps a store failure to the apperror taxonomy. It returns nil for failures
// that are not contention, uniqueness or absence.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	if kind := apperror.KindOf(err); kind != nil {
		return kind
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperror.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return apperror.ErrTransient
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperror.ErrConflict
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apperror.ErrConflict
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
			return apperror.ErrTransient
		}
		return nil
	}

	var coded sqliteCoder
	if errors.As(err, &coded) {
		code := coded.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperror.ErrTransient
		case sqlite3.SQLITE_CONSTRAINT:
			if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
				return apperror.ErrConflict
			}
		}
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "database is locked"), strings.Contains(message, "database table is locked"):
		return apperror.ErrTransient
	case strings.Contains(message, "unique constraint failed"):
		return apperror.ErrConflict
	}
	return nil
}

// IsContention reports whether err is a lock, busy or deadline failure.
func IsContention(err error) bool {
	return KindOf(err) == apperror.ErrTransient
}
