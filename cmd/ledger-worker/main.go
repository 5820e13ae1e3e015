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
	logger.Info("Starting ledger-worker")
	cfg := cli.LoadAndValidateConfig(logger)

	res := cli.InitBackend(context.Background(), logger, cfg)
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldError, err)
		}
	}()

	auditWorker := worker.NewAuditWorker(services.NewAuditor(res.Store, logger), 100, logger)

	var source worker.PaymentSource
	if res.AMQP != nil {
		source = res.AMQP
	} else {
		logger.Info("AMQP disabled - auditing by periodic scans only")
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	logger.Info("Audit worker configured",
		"interval", cfg.AuditInterval.String(),
		"backend", cfg.DataBackend)
	if err := auditWorker.Run(ctx, source, cfg.AuditInterval); err != nil {
		logger.Error("Audit worker stopped", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	handled, discrepancies := auditWorker.Stats()
	logger.Info("Ledger-worker shutdown complete",
		"handled", handled,
		"discrepancies", discrepancies)
}
