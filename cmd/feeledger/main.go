package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"feeledger/internal/cli"
	apphttp "feeledger/internal/http"
	"feeledger/internal/log"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	res := cli.InitBackend(context.Background(), logger, cfg)
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldError, err)
		}
	}()

	ledger := cli.NewLedgerService(cfg, res, logger)
	srv := apphttp.NewServer(apphttp.Config{
		Addr:              ":" + cfg.Port,
		HostelID:          cfg.HostelID,
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Logger:            logger,
	}, ledger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})

	logger.Info("Starting feeledger server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		log.FieldHostelID, cfg.HostelID,
		"events", res.AMQP != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
