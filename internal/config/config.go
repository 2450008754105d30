package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CAPRANK"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "caprank.db"
	defaultLockTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 10
	defaultImageDir        = "user_post_images"
	defaultMaxImageBytes   = 10 << 20
	defaultTokenTTL        = 24 * time.Hour
	defaultBcryptCost      = 12
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	minBcryptCost          = 4
	maxBcryptCost          = 31
	minSigningSecretLength = 16
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var defaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:8000"}

// AppConfig captures runtime configuration for the API server and the maintenance commands.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LockTimeout    time.Duration
	MaxOpenConns   int
	ImageDir       string
	MaxImageBytes  int64
	SigningSecret  string
	TokenTTL       time.Duration
	BcryptCost     int
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.lock_timeout", defaultLockTimeout)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("storage.image_dir", defaultImageDir)
	configViper.SetDefault("storage.max_image_bytes", defaultMaxImageBytes)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.bcrypt_cost", defaultBcryptCost)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LockTimeout:    configViper.GetDuration("database.lock_timeout"),
		MaxOpenConns:   configViper.GetInt("database.max_open_conns"),
		ImageDir:       configViper.GetString("storage.image_dir"),
		MaxImageBytes:  configViper.GetInt64("storage.max_image_bytes"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		BcryptCost:     configViper.GetInt("auth.bcrypt_cost"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		AllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("database.lock_timeout must be positive")
	}
	if len(strings.TrimSpace(c.SigningSecret)) < minSigningSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minSigningSecretLength)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.BcryptCost < minBcryptCost || c.BcryptCost > maxBcryptCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", minBcryptCost, maxBcryptCost)
	}
	if strings.TrimSpace(c.ImageDir) == "" {
		return fmt.Errorf("storage.image_dir is required")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("storage.max_image_bytes must be positive")
	}
	return nil
}
