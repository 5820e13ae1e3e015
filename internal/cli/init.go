// Package cli provides the start-up plumbing shared by the feeledger
// binaries.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"feeledger/internal/backend"
	"feeledger/internal/config"
	"feeledger/internal/log"
	"feeledger/internal/services"
)

// SetupLogger builds the process logger at the given LOG_LEVEL value and sets
// it as the slog default. Unknown levels fall back to info.
func SetupLogger(level string) *log.Logger {
	lvl, err := config.ParseLogLevel(level)
	logger := log.New(log.Config{
		Level:     lvl,
		Component: log.ComponentApp,
		Handler:   slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}),
	})
	log.SetDefault(logger)
	if err != nil {
		logger.Warn("Ignoring LOG_LEVEL", log.FieldError, err)
	}
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// InitBackend opens the configured store and, when AMQP_URL is set, the
// broker connection. Exits the process on failure.
func InitBackend(ctx context.Context, logger *log.Logger, cfg *config.Config) *backend.BackendResult {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	return res
}

// NewLedgerService wires the ledger policy from cfg. Events are published
// only when the backend has a broker connection.
func NewLedgerService(cfg *config.Config, res *backend.BackendResult, logger *log.Logger) *services.LedgerService {
	opts := []services.Option{
		services.WithLogger(logger),
		services.WithDueDay(cfg.DueDay),
		services.WithAdvanceLimit(cfg.AdvanceMonthLimit),
	}
	if res.AMQP != nil {
		opts = append(opts, services.WithEvents(res.AMQP))
	}
	return services.NewLedgerService(res.Store, opts...)
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup ran.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
