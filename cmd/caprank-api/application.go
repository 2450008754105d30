package main

import (
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/config"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/server"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/validation"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "caprank-auth"
	tokenAudience = "caprank-api"
)

// application holds the wired services shared by the server and the maintenance commands.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	store    *database.Store
	blobs    *blobstore.Store
	users    *users.Service
	posts    *posts.Service
	activity *server.ActivityDispatcher
	metrics  *metrics.Collector
}

// openApplication loads configuration, opens the store, applies pending migrations and builds the services.
func openApplication(configViper *viper.Viper) (*application, error) {
	appConfig, err := config.Load(configViper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := openStore(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	app := &application{config: appConfig, logger: logger, store: store}

	if _, err := schema.Migrate(store, logger); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildServices(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (*database.Store, error) {
	return database.Open(database.Config{
		Driver:       appConfig.DatabaseDriver,
		Path:         appConfig.DatabasePath,
		DSN:          appConfig.DatabaseDSN,
		LockTimeout:  appConfig.LockTimeout,
		MaxOpenConns: appConfig.MaxOpenConns,
	}, logger)
}

func (a *application) buildServices() error {
	blobs, err := blobstore.New(blobstore.Config{
		Dir:      a.config.ImageDir,
		MaxBytes: a.config.MaxImageBytes,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	hasher, err := auth.NewPasswordHasher(a.config.BcryptCost)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.config.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      a.config.TokenTTL,
	})
	if err != nil {
		return err
	}
	validator := validation.New()

	usersService, err := users.NewService(users.ServiceConfig{
		Store:     a.store,
		Hasher:    hasher,
		Tokens:    tokens,
		Purger:    posts.NewPurger(blobs, a.logger),
		Validator: validator,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	dispatcher := server.NewActivityDispatcher(collector)
	postsService, err := posts.NewService(posts.ServiceConfig{
		Store:     a.store,
		Verifier:  usersService,
		Blobs:     blobs,
		Activity:  dispatcher,
		Validator: validator,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	a.blobs = blobs
	a.users = usersService
	a.posts = postsService
	a.activity = dispatcher
	a.metrics = collector
	return nil
}

// Close releases the store and flushes the logger.
func (a *application) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
