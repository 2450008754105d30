package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrMissingDatabase indicates a Store without a database handle.
var ErrMissingDatabase = errors.New("database handle is required")

// Store scopes every access to the database by a fixed store-access deadline.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewStore wraps an open gorm handle. lockTimeout bounds every Query and Transaction.
func NewStore(db *gorm.DB, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{db: db, lockTimeout: lockTimeout}
}

// DB exposes the underlying handle for schema work and tests.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// LockTimeout reports the store-access ceiling.
func (s *Store) LockTimeout() time.Duration {
	return s.lockTimeout
}

// Query runs read-only work under the store-access deadline.
func (s *Store) Query(ctx context.Context, fn func(db *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return ErrMissingDatabase
	}
	boundedCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	return fn(s.db.WithContext(boundedCtx))
}

// Transaction runs fn as one unit of work: every statement commits or none does.
// The handle passed to fn must not escape it.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return ErrMissingDatabase
	}
	boundedCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	return s.db.WithContext(boundedCtx).Transaction(fn)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
