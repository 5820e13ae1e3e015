package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feeledger/internal/cache"
	"feeledger/internal/core"
	"feeledger/internal/log"
)

// Config tunes a Ledger.
type Config struct {
	HostelID string
	// TTL marks cached months stale after this long; 0 means only writes and
	// explicit refreshes do.
	TTL time.Duration
	// MaxMonths bounds how many months are held. Defaults to 24.
	MaxMonths int
	// Retention drops cached months entirely after this long and starts a
	// background sweeper; 0 disables both.
	Retention time.Duration
	Logger    *log.Logger
	Now       func() time.Time
}

// Ledger is what the app's screens call. It owns the month cache; screens
// never reach the transport directly.
type Ledger struct {
	transport Transport
	hostelID  string
	months    *cache.MonthCache[MonthData]
	sweeper   *cache.Manager
	logger    *log.Logger
	now       func() time.Time
	newTxnID  func() string

	mu         sync.Mutex
	submitting map[string]bool
}

func New(transport Transport, cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.DefaultConfig())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Ledger{
		transport:  transport,
		hostelID:   cfg.HostelID,
		logger:     cfg.Logger.WithComponent(log.ComponentClient),
		now:        cfg.Now,
		newTxnID:   uuid.NewString,
		submitting: make(map[string]bool),
	}
	l.months = cache.NewMonthCache(l.fetchMonth, cache.MonthCacheConfig{
		MaxEntries: cfg.MaxMonths,
		TTL:        cfg.TTL,
		Retention:  cfg.Retention,
	})
	if cfg.Retention > 0 {
		l.sweeper = cache.NewManager()
		l.sweeper.Register(l.months)
		l.sweeper.OnClean(func(removed int) {
			l.logger.Debug("Dropped expired months from cache", "removed", removed)
		})
		l.sweeper.StartCleanup(cfg.Retention)
	}
	return l
}

// Close stops the background sweeper, if any.
func (l *Ledger) Close() {
	if l.sweeper != nil {
		l.sweeper.Stop()
	}
}

func (l *Ledger) key(month core.FeeMonth) string {
	return l.hostelID + "|" + month.String()
}

func (l *Ledger) fetchMonth(ctx context.Context, key string) (MonthData, error) {
	_, m, _ := strings.Cut(key, "|")
	month, err := core.ParseFeeMonth(m)
	if err != nil {
		return MonthData{}, err
	}
	start := time.Now()
	data, err := l.transport.FetchSummary(ctx, l.hostelID, month)
	if err != nil {
		l.logger.WarnContext(ctx, "Month fetch failed",
			log.FieldFeeMonth, month.String(), log.FieldError, err)
		return MonthData{}, err
	}
	if data.Skipped > 0 {
		l.logger.WarnContext(ctx, "Dropped fee records without identity",
			log.FieldFeeMonth, month.String(), "skipped", data.Skipped)
	}
	l.logger.DebugContext(ctx, "Month fetched",
		log.FieldFeeMonth, month.String(),
		"records", len(data.Records),
		log.FieldDuration, time.Since(start).Milliseconds())
	return data, nil
}

// GetMonthSummary returns the month from cache when fresh, fetching otherwise.
func (l *Ledger) GetMonthSummary(ctx context.Context, month core.FeeMonth) (cache.Entry[MonthData], error) {
	if err := month.Validate(); err != nil {
		return cache.Entry[MonthData]{}, err
	}
	return l.months.Get(ctx, l.key(month))
}

// Refresh is pull-to-refresh: the month is refetched even when fresh.
func (l *Ledger) Refresh(ctx context.Context, month core.FeeMonth) (cache.Entry[MonthData], error) {
	if err := month.Validate(); err != nil {
		return cache.Entry[MonthData]{}, err
	}
	return l.months.Refresh(ctx, l.key(month))
}

// Invalidate marks one month stale.
func (l *Ledger) Invalidate(month core.FeeMonth) {
	l.months.Invalidate(l.key(month))
}

// CacheState reports the month's place in the read-through cycle.
func (l *Ledger) CacheState(month core.FeeMonth) cache.State {
	return l.months.State(l.key(month))
}

// LastKnown returns the cached month without fetching, even when stale.
func (l *Ledger) LastKnown(month core.FeeMonth) (cache.Entry[MonthData], bool) {
	return l.months.Peek(l.key(month))
}

// SubmitPayment records a payment and invalidates every month it touched.
// A transaction id is generated when the caller has none, so a retry of the
// same request is recognized by the server.
//
// When the outcome is unknown the whole cache is marked stale and
// ErrOutcomeUnknown is returned; the payment is never resubmitted here.
func (l *Ledger) SubmitPayment(ctx context.Context, in PaymentRequest) (core.Payment, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	if in.StudentID == "" {
		return core.Payment{}, core.ErrUnknownStudent
	}
	if err := in.Amount.Validate(); err != nil {
		return core.Payment{}, err
	}
	if in.TransactionID == "" {
		in.TransactionID = l.newTxnID()
	}

	if !l.beginSubmit(in.StudentID) {
		return core.Payment{}, ErrSubmitInFlight
	}
	defer l.endSubmit(in.StudentID)

	receipt, err := l.transport.RecordPayment(ctx, in)
	if err != nil {
		if errors.Is(err, ErrNetworkFailure) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			l.months.InvalidateAll()
			l.logger.ErrorContext(ctx, "Payment outcome unknown, cache marked stale",
				log.NewFields().
					WithPayment(in.StudentID, in.FeeMonth.String(), in.Amount.Cents, in.TransactionID).
					WithOperation(log.OpRecord).
					WithError(err).
					ToSlice()...)
			return core.Payment{}, fmt.Errorf("%w (transaction %s): %w", ErrOutcomeUnknown, in.TransactionID, err)
		}
		return core.Payment{}, err
	}

	touched := map[core.FeeMonth]bool{}
	if !in.FeeMonth.IsZero() {
		touched[in.FeeMonth] = true
	}
	for _, m := range receipt.Payment.Months() {
		touched[m] = true
	}
	for _, r := range receipt.Records {
		touched[r.FeeMonth] = true
	}
	for m := range touched {
		l.months.Invalidate(l.key(m))
	}

	l.logger.InfoContext(ctx, "Payment submitted",
		log.FieldPaymentID, receipt.Payment.ID,
		log.FieldStudentID, in.StudentID,
		log.FieldTransactionID, in.TransactionID,
		log.FieldReplayed, receipt.Replayed,
		"months_invalidated", len(touched))
	return receipt.Payment, nil
}

func (l *Ledger) beginSubmit(studentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitting[studentID] {
		return false
	}
	l.submitting[studentID] = true
	return true
}

func (l *Ledger) endSubmit(studentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.submitting, studentID)
}

// DeriveStatus is the status badge for a record, evaluated now.
func (l *Ledger) DeriveStatus(p core.FeePeriod) core.Status {
	return core.DeriveStatus(p, l.now())
}

// StatusCounts returns the per-status tab counts of a month.
func (l *Ledger) StatusCounts(data MonthData) map[core.Status]int {
	return core.CountByStatus(data.Periods(), l.now())
}

func (l *Ledger) PaymentModes(ctx context.Context) ([]core.PaymentMode, error) {
	return l.transport.PaymentModes(ctx)
}
