package main

import (
	"context"
	"os"
	"time"

	"feeledger/internal/cli"
	"feeledger/internal/log"
	"feeledger/internal/services"
	"feeledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting period-worker")
	cfg := cli.LoadAndValidateConfig(logger)

	res := cli.InitBackend(context.Background(), logger, cfg)
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldError, err)
		}
	}()

	ledger := cli.NewLedgerService(cfg, res, logger)
	generator, err := services.NewPeriodGenerator(ledger,
		services.Schedule(cfg.PeriodSchedule), cfg.HostelID, cfg.PeriodGenerationDay, logger)
	if err != nil {
		logger.Error("Failed to create period generator", log.FieldError, err)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	logger.Info("Period generator configured",
		"schedule", cfg.PeriodSchedule,
		"generation_day", cfg.PeriodGenerationDay,
		"interval", cfg.PeriodInterval.String(),
		log.FieldHostelID, cfg.HostelID)
	worker.NewPeriodWorker(generator, logger).Run(ctx, cfg.PeriodInterval)

	cli.WaitForShutdown(ctx, done)
	logger.Info("Period-worker shutdown complete", "last_run", generator.LastRun())
}
