package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"
)

// PeriodGenerator opens each month's fee periods on a schedule. It remembers
// its last successful run in memory only; after a restart the first run
// always happens, which is safe because EnsureMonth is idempotent.
type PeriodGenerator struct {
	ledger   *LedgerService
	checker  DuenessChecker
	hostelID string
	anchor   core.Date
	logger   *log.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// NewPeriodGenerator creates a generator for one hostel (empty means all).
// generationDay is the day of month monthly runs wait for.
func NewPeriodGenerator(ledger *LedgerService, schedule Schedule, hostelID string, generationDay int, logger *log.Logger) (*PeriodGenerator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("period generator needs a ledger service")
	}
	checker, err := GetDuenessChecker(schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if generationDay < 1 {
		generationDay = 1
	}
	return &PeriodGenerator{
		ledger:   ledger,
		checker:  checker,
		hostelID: hostelID,
		anchor:   core.NewDate(2000, 1, generationDay),
		logger:   logger.WithComponent(log.ComponentPeriods),
	}, nil
}

// RunIfDue generates the periods of now's month when the schedule says so.
// It returns how many periods were created.
func (g *PeriodGenerator) RunIfDue(ctx context.Context, now time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.checker.IsDue(g.lastRun, now, g.anchor) {
		return 0, nil
	}

	month := core.MonthOf(now)
	created, err := g.ledger.EnsureMonth(ctx, g.hostelID, month)
	if err != nil {
		g.logger.ErrorContext(ctx, "Period generation failed",
			log.FieldFeeMonth, month.String(), log.FieldError, err, "created", created)
		return created, err
	}
	g.lastRun = now
	g.logger.InfoContext(ctx, "Period generation complete",
		log.FieldFeeMonth, month.String(), "created", created)
	return created, nil
}

// LastRun returns the time of the last successful run.
func (g *PeriodGenerator) LastRun() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRun
}
