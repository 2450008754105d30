package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverSQLite        = "sqlite"
	driverPostgres      = "postgres"
	defaultLockTimeout  = 5 * time.Second
	defaultMaxOpenConns = 10
)

// Config selects and tunes the relational store.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	LockTimeout  time.Duration
	MaxOpenConns int
}

// Open establishes the configured connection pool. Schema migrations are applied separately.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", driverSQLite:
		return OpenSQLite(cfg.Path, lockTimeout, logger)
	case driverPostgres:
		return openPostgres(cfg.DSN, lockTimeout, cfg.MaxOpenConns, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite database with foreign keys, WAL and a busy timeout matching lockTimeout.
func OpenSQLite(path string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path, lockTimeout)), newGormConfig())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time: units of work serialize on the single connection.
	sqlDB.SetMaxOpenConns(1)

	logger.Info("database opened", zap.String("driver", driverSQLite), zap.String("path", path))
	return NewStore(db, lockTimeout), nil
}

func sqliteDSN(path string, lockTimeout time.Duration) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(" + strconv.FormatInt(lockTimeout.Milliseconds(), 10) + ")",
		"_pragma=journal_mode(WAL)",
	}
	return path + separator + strings.Join(pragmas, "&")
}

func openPostgres(dsn string, lockTimeout time.Duration, maxOpenConns int, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	connConfig.RuntimeParams["lock_timeout"] = strconv.FormatInt(lockTimeout.Milliseconds(), 10)
	connConfig.RuntimeParams["application_name"] = "caprank-api"

	sqlDB := stdlib.OpenDB(*connConfig)
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), newGormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database opened",
		zap.String("driver", driverPostgres),
		zap.String("host", connConfig.Host),
		zap.String("database", connConfig.Database))
	return NewStore(db, lockTimeout), nil
}

func newGormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}
}
