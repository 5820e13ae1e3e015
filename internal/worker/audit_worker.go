// Package worker runs the ledger's background loops: auditing recorded
// payments and opening each month's fee periods.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"feeledger/internal/amqp"
	"feeledger/internal/log"
	"feeledger/internal/services"
)

// Auditor is the part of services.Auditor the worker drives.
type Auditor interface {
	AuditStudent(ctx context.Context, studentID string) ([]services.Discrepancy, error)
	AuditRecent(ctx context.Context, limit int) ([]services.Discrepancy, error)
}

// PaymentSource delivers payment messages, normally the AMQP client.
type PaymentSource interface {
	ConsumePaymentRecorded(ctx context.Context, handler amqp.PaymentHandler) error
}

// AuditWorker re-checks each recorded payment's student ledger as its event
// arrives, and periodically scans recent payments in case events were lost.
type AuditWorker struct {
	auditor   Auditor
	batchSize int
	logger    *log.Logger

	handled       atomic.Int64
	discrepancies atomic.Int64
}

func NewAuditWorker(auditor Auditor, batchSize int, logger *log.Logger) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &AuditWorker{
		auditor:   auditor,
		batchSize: batchSize,
		logger:    logger.WithComponent(log.ComponentWorker),
	}
}

// HandlePaymentMessage audits the student named by one message. Discrepancies
// are logged, not retried; only a failure to read the ledger is an error.
func (w *AuditWorker) HandlePaymentMessage(ctx context.Context, msg *amqp.PaymentRecordedMessage) error {
	w.logger.DebugContext(ctx, "Processing payment message",
		log.FieldPaymentID, msg.PaymentID,
		log.FieldStudentID, msg.StudentID)

	found, err := w.auditor.AuditStudent(ctx, msg.StudentID)
	if err != nil {
		return fmt.Errorf("audit student %s: %w", msg.StudentID, err)
	}
	w.handled.Add(1)
	w.discrepancies.Add(int64(len(found)))
	if len(found) > 0 {
		w.logger.ErrorContext(ctx, "Payment left the ledger inconsistent",
			log.FieldPaymentID, msg.PaymentID,
			log.FieldStudentID, msg.StudentID,
			"discrepancies", len(found))
	}
	return nil
}

// ScanRecent audits the students behind the latest batch of payments.
func (w *AuditWorker) ScanRecent(ctx context.Context) error {
	found, err := w.auditor.AuditRecent(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("audit recent payments: %w", err)
	}
	w.discrepancies.Add(int64(len(found)))
	return nil
}

// StartupAuditCheck scans a larger window once, to cover worker downtime.
func (w *AuditWorker) StartupAuditCheck(ctx context.Context) error {
	found, err := w.auditor.AuditRecent(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("startup audit: %w", err)
	}
	w.discrepancies.Add(int64(len(found)))
	w.logger.InfoContext(ctx, "Startup audit completed", "discrepancies", len(found))
	return nil
}

// Run consumes from source (nil for scan-only mode) and scans every
// interval until ctx is done.
func (w *AuditWorker) Run(ctx context.Context, source PaymentSource, interval time.Duration) error {
	if err := w.StartupAuditCheck(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Startup audit failed", log.FieldError, err)
	}

	consumeErr := make(chan error, 1)
	if source != nil {
		go func() {
			consumeErr <- source.ConsumePaymentRecorded(ctx, w.HandlePaymentMessage)
		}()
	} else {
		w.logger.WarnContext(ctx, "No message source configured, running periodic scans only")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Audit worker stopping",
				"handled", w.handled.Load(), "discrepancies", w.discrepancies.Load())
			return nil
		case err := <-consumeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("payment consumer stopped: %w", err)
			}
			return nil
		case <-ticker.C:
			if err := w.ScanRecent(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic audit failed", log.FieldError, err)
			}
		}
	}
}

// Stats reports messages handled and discrepancies seen since start.
func (w *AuditWorker) Stats() (handled, discrepancies int64) {
	return w.handled.Load(), w.discrepancies.Load()
}
