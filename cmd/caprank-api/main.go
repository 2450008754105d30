package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/config"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliState is shared by every command of one invocation.
type cliState struct {
	configFile string
	viper      *viper.Viper
}

func newRootCommand() *cobra.Command {
	state := &cliState{viper: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "caprank-api",
		Short:         "CapRank caption ranking backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), state.viper)
		},
	}
	setupFlags(rootCmd, state)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context(), state.viper)
			},
		},
		newMigrateCommand(state),
		newPruneCommand(state),
		newRecountCommand(state),
		newReresolveCommand(state),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command, state *cliState) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&state.configFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.Duration("lock-timeout", defaults.GetDuration("database.lock_timeout"), "Upper bound on waiting for store locks")
	flags.String("image-dir", defaults.GetString("storage.image_dir"), "Directory holding post images")
	flags.Int64("max-image-bytes", defaults.GetInt64("storage.max_image_bytes"), "Largest accepted image upload in bytes")
	flags.String("signing-secret", "", "Session token signing secret (overrides env)")
	flags.Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "CORS allowed origins")

	bindFlag(cmd, state.viper, "http.address", "http-address")
	bindFlag(cmd, state.viper, "database.driver", "database-driver")
	bindFlag(cmd, state.viper, "database.path", "database-path")
	bindFlag(cmd, state.viper, "database.dsn", "database-dsn")
	bindFlag(cmd, state.viper, "database.lock_timeout", "lock-timeout")
	bindFlag(cmd, state.viper, "storage.image_dir", "image-dir")
	bindFlag(cmd, state.viper, "storage.max_image_bytes", "max-image-bytes")
	bindFlag(cmd, state.viper, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, state.viper, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, state.viper, "log.level", "log-level")
	bindFlag(cmd, state.viper, "log.format", "log-format")
	bindFlag(cmd, state.viper, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, configViper *viper.Viper, key, flag string) {
	if err := configViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (s *cliState) initConfig() error {
	if s.configFile == "" {
		return nil
	}
	s.viper.SetConfigFile(s.configFile)
	return s.viper.ReadInConfig()
}

func runServer(ctx context.Context, configViper *viper.Viper) error {
	app, err := openApplication(configViper)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:          app.users,
		Posts:          app.posts,
		Blobs:          app.blobs,
		Activity:       app.activity,
		Metrics:        app.metrics,
		AllowedOrigins: app.config.AllowedOrigins,
		MaxUploadBytes: app.config.MaxImageBytes,
		Logger:         app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
