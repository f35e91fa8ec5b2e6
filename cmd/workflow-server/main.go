package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quickwind/workflow/internal/cli"
	"github.com/quickwind/workflow/internal/config"
	"github.com/quickwind/workflow/internal/engine"
	"github.com/quickwind/workflow/internal/events"
	"github.com/quickwind/workflow/internal/logger"
	"github.com/quickwind/workflow/internal/server"
	"github.com/quickwind/workflow/internal/services"
	"github.com/quickwind/workflow/internal/storage"
)

// Build-time version information, set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionInfo := cli.VersionInfo{Version: version, Commit: commit, Date: date}
	rootCmd := cli.NewRootCommand(runServer, versionInfo)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig(cli.ResolvedConfigPath())
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	store, err := storage.New(storage.Config{
		Mode:         cfg.Storage.Mode,
		DatabasePath: cfg.Storage.Local.DatabasePath,
		PostgresDSN:  cfg.Storage.Postgres.DSN,
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}()

	bus := events.NewBus()
	defer bus.Close()

	notifier := services.StartUserTaskNotifier(bus)
	defer notifier.Stop()

	dispatcher := services.NewHTTPDispatcher(cfg.Engine.DispatchTimeout)
	eng := engine.New(store, dispatcher, bus, engine.Config{
		SyncInvokeTimeout: cfg.Engine.SyncInvokeTimeout,
		CallbackTolerance: cfg.Engine.CallbackTolerance,
		LockLease:         cfg.Engine.LockLease,
		LockWait:          cfg.Engine.LockWait,
	})

	srv := server.New(cfg, store, eng)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-sigCh:
		logger.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Warn().Err(err).Msg("Graceful shutdown failed")
		}
	}
}

func applyFlagOverrides(cfg *config.Config) {
	if port := cli.GetPortFlag(); port > 0 {
		cfg.Server.Port = port
	}
	if mode := cli.GetStorageModeFlag(); mode != "" {
		cfg.Storage.Mode = mode
	}
	if dsn := cli.GetPostgresDSNFlag(); dsn != "" {
		cfg.Storage.Postgres.DSN = dsn
		cfg.Storage.Mode = storage.ModePostgres
	}
}
