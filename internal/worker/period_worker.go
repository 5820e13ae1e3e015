package worker

import (
	"context"
	"time"

	"feeledger/internal/log"
)

// PeriodRunner opens the current month's periods when its schedule is due.
type PeriodRunner interface {
	RunIfDue(ctx context.Context, now time.Time) (int, error)
}

type PeriodWorker struct {
	runner PeriodRunner
	now    func() time.Time
	logger *log.Logger
}

func NewPeriodWorker(runner PeriodRunner, logger *log.Logger) *PeriodWorker {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &PeriodWorker{runner: runner, now: time.Now, logger: logger.WithComponent(log.ComponentWorker)}
}

// Tick runs the generator once. Failures are logged and retried next tick.
func (w *PeriodWorker) Tick(ctx context.Context) int {
	created, err := w.runner.RunIfDue(ctx, w.now())
	if err != nil {
		w.logger.ErrorContext(ctx, "Period generation failed, will retry", log.FieldError, err)
	}
	return created
}

// Run ticks immediately and then every interval until ctx is done.
func (w *PeriodWorker) Run(ctx context.Context, interval time.Duration) {
	w.Tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Period worker stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}
