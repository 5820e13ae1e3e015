// Package services orchestrates the fee ledger: it is the only writer of fee
// periods and payments, running each write in one store transaction.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/storage"
)

// EventPublisher receives committed payments. Publishing is best effort.
type EventPublisher interface {
	PublishPaymentRecorded(ctx context.Context, p core.Payment, periods []core.FeePeriod) error
}

type (
	// RecordPaymentInput is a payment as entered by staff. FeeMonth is the
	// optional explicit target; DueDate prices the target when it has to be
	// created.
	RecordPaymentInput struct {
		StudentID     string
		Amount        core.Money
		PaymentDate   core.Date
		PaymentModeID int64
		FeeMonth      core.FeeMonth
		DueDate       core.Date
		TransactionID string
		Notes         string
	}

	RecordPaymentResult struct {
		Payment core.Payment      `json:"payment"`
		Periods []core.PeriodView `json:"fee_periods"`
		// Replayed is set when the transaction id matched an earlier payment
		// and nothing new was written.
		Replayed bool `json:"replayed"`
	}

	CreatePeriodInput struct {
		StudentID string
		FeeMonth  core.FeeMonth
		TotalDue  core.Money
		DueDate   core.Date
	}
)

type LedgerService struct {
	store        storage.Store
	events       EventPublisher
	locks        *studentLocks
	logger       *log.Logger
	structured   *log.StructuredLogger
	now          func() time.Time
	newID        func() string
	advanceLimit int
	dueDay       int
}

type Option func(*LedgerService)

func WithEvents(p EventPublisher) Option {
	return func(s *LedgerService) { s.events = p }
}

func WithLogger(l *log.Logger) Option {
	return func(s *LedgerService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *LedgerService) { s.newID = gen }
}

func WithAdvanceLimit(months int) Option {
	return func(s *LedgerService) { s.advanceLimit = months }
}

// WithDueDay sets the day of month used for periods created without an
// explicit due date.
func WithDueDay(day int) Option {
	return func(s *LedgerService) { s.dueDay = day }
}

func NewLedgerService(store storage.Store, opts ...Option) *LedgerService {
	s := &LedgerService{
		store:        store,
		locks:        newStudentLocks(),
		logger:       log.New(log.DefaultConfig()),
		now:          time.Now,
		newID:        uuid.NewString,
		advanceLimit: core.DefaultAdvanceLimit,
		dueDay:       5,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent(log.ComponentLedger)
	s.structured = log.NewStructuredLogger(s.logger)
	return s
}

// RecordPayment applies a payment to the student's ledger atomically. Writes
// for one student are serialized; a lost optimistic update is retried once
// against a fresh snapshot before ErrConcurrentModification is returned.
func (s *LedgerService) RecordPayment(ctx context.Context, in RecordPaymentInput) (RecordPaymentResult, error) {
	res, err := s.recordPayment(ctx, in)
	if err != nil {
		fields := log.NewFields().
			WithPayment(in.StudentID, in.FeeMonth.String(), in.Amount.Cents, in.TransactionID).
			WithOperation(log.OpRecord).
			WithError(err)
		fields[log.FieldPaymentMode] = in.PaymentModeID
		fields["payment_date"] = in.PaymentDate.String()
		fields["due_date"] = in.DueDate.String()
		fields["notes"] = in.Notes
		s.logger.WarnContext(ctx, "Payment rejected", fields.ToSlice()...)
		return RecordPaymentResult{}, err
	}

	s.structured.LogPaymentRecorded(ctx, res.Payment.ID, res.Payment.StudentID, res.Payment.TransactionID,
		res.Payment.Amount.Cents, len(res.Payment.Allocations), res.Replayed)

	if !res.Replayed {
		touched := make([]core.FeePeriod, 0, len(res.Periods))
		for _, v := range res.Periods {
			touched = append(touched, v.FeePeriod)
		}
		s.publish(ctx, res.Payment, touched)
	}
	return res, nil
}

func (s *LedgerService) recordPayment(ctx context.Context, in RecordPaymentInput) (RecordPaymentResult, error) {
	if err := s.validatePayment(&in); err != nil {
		return RecordPaymentResult{}, err
	}

	unlock := s.locks.Lock(in.StudentID)
	defer unlock()

	var (
		res RecordPaymentResult
		err error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		res, err = s.recordOnce(ctx, in)
		if !errors.Is(err, core.ErrConcurrentModification) {
			break
		}
		s.logger.WarnContext(ctx, "Concurrent modification while recording payment",
			log.FieldStudentID, in.StudentID, log.FieldAttempt, attempt)
	}
	return res, err
}

func (s *LedgerService) validatePayment(in *RecordPaymentInput) error {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	if in.StudentID == "" {
		return core.ErrUnknownStudent
	}
	if err := in.Amount.Validate(); err != nil {
		return fmt.Errorf("amount %s: %w", in.Amount, err)
	}
	if !in.FeeMonth.IsZero() {
		if err := in.FeeMonth.Validate(); err != nil {
			return err
		}
	}
	if in.PaymentModeID < 1 {
		return fmt.Errorf("%w: %d", core.ErrUnknownPaymentMode, in.PaymentModeID)
	}
	if len(in.Notes) > 500 {
		return core.ErrNotesTooLong
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = core.DateOf(s.now())
	}
	return nil
}

func (s *LedgerService) recordOnce(ctx context.Context, in RecordPaymentInput) (RecordPaymentResult, error) {
	var res RecordPaymentResult
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		student, err := tx.Student(ctx, in.StudentID)
		if err != nil {
			return err
		}

		if in.TransactionID != "" {
			existing, ok, err := tx.PaymentByTransaction(ctx, in.StudentID, in.TransactionID)
			if err != nil {
				return err
			}
			if ok {
				if existing.Amount != in.Amount {
					s.logger.WarnContext(ctx, "Replayed transaction id with a different amount",
						log.FieldTransactionID, in.TransactionID,
						log.FieldAmountCents, in.Amount.Cents,
						"recorded_amount_cents", existing.Amount.Cents)
				}
				periods, err := tx.StudentPeriods(ctx, in.StudentID)
				if err != nil {
					return err
				}
				res = RecordPaymentResult{
					Payment:  existing,
					Periods:  s.views(pick(periods, existing.Months()), student),
					Replayed: true,
				}
				return nil
			}
		}

		ok, err := tx.PaymentModeExists(ctx, in.PaymentModeID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", core.ErrUnknownPaymentMode, in.PaymentModeID)
		}

		periods, err := tx.StudentPeriods(ctx, in.StudentID)
		if err != nil {
			return err
		}
		if !in.FeeMonth.IsZero() && !hasMonth(periods, in.FeeMonth) {
			target, err := s.insertPeriod(ctx, tx, student, in.FeeMonth, student.MonthlyRent, in.DueDate)
			if err != nil {
				return err
			}
			periods = append(periods, target)
		}

		app, err := core.ApplyPayment(core.ApplyInput{
			StudentID:    student.ID,
			HostelID:     student.HostelID,
			Amount:       in.Amount,
			Periods:      periods,
			TargetMonth:  in.FeeMonth,
			MonthlyRent:  student.MonthlyRent,
			DueDay:       s.dueDay,
			AdvanceLimit: s.advanceLimit,
		})
		if err != nil {
			return err
		}

		now := s.now()
		payment := core.Payment{
			ID:            s.newID(),
			StudentID:     student.ID,
			HostelID:      student.HostelID,
			Amount:        in.Amount,
			PaymentDate:   in.PaymentDate,
			PaymentModeID: in.PaymentModeID,
			TransactionID: in.TransactionID,
			Notes:         in.Notes,
			CreatedAt:     now.UTC(),
			Allocations:   make([]core.Allocation, len(app.Allocations)),
		}
		for i, a := range app.Allocations {
			a.PaymentID = payment.ID
			payment.Allocations[i] = a
		}
		if err := payment.Validate(); err != nil {
			return err
		}

		written := make([]core.FeePeriod, 0, len(app.Updated)+len(app.Created))
		for _, p := range app.Updated {
			stored, err := tx.UpdatePeriodPaid(ctx, p)
			if err != nil {
				return err
			}
			written = append(written, stored)
		}
		for _, p := range app.Created {
			stored, err := tx.InsertPeriod(ctx, p)
			if err != nil {
				return err
			}
			written = append(written, stored)
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		res = RecordPaymentResult{Payment: payment, Periods: s.views(written, student)}
		return nil
	})
	return res, err
}

// CreatePeriod opens a fee period for one student and month. Every rejection
// is logged with the full input.
func (s *LedgerService) CreatePeriod(ctx context.Context, in CreatePeriodInput) (core.FeePeriod, error) {
	created, err := s.createPeriod(ctx, in)
	if err != nil {
		fields := log.NewFields().
			WithPeriod(in.StudentID, in.FeeMonth.String()).
			WithOperation(log.OpCreate).
			WithError(err)
		fields["total_due_cents"] = in.TotalDue.Cents
		fields["due_date"] = in.DueDate.String()
		s.logger.WarnContext(ctx, "Fee period rejected", fields.ToSlice()...)
		return core.FeePeriod{}, err
	}
	s.logger.InfoContext(ctx, "Fee period created",
		log.FieldStudentID, created.StudentID,
		log.FieldFeeMonth, created.FeeMonth.String(),
		"total_due_cents", created.TotalDue.Cents,
		"due_date", created.DueDate.String())
	return created, nil
}

func (s *LedgerService) createPeriod(ctx context.Context, in CreatePeriodInput) (core.FeePeriod, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	if in.StudentID == "" {
		return core.FeePeriod{}, core.ErrUnknownStudent
	}
	if err := in.TotalDue.Validate(); err != nil {
		return core.FeePeriod{}, fmt.Errorf("total due %s: %w", in.TotalDue, err)
	}

	unlock := s.locks.Lock(in.StudentID)
	defer unlock()

	var created core.FeePeriod
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		student, err := tx.Student(ctx, in.StudentID)
		if err != nil {
			return err
		}
		created, err = s.insertPeriod(ctx, tx, student, in.FeeMonth, in.TotalDue, in.DueDate)
		return err
	})
	return created, err
}

func (s *LedgerService) insertPeriod(ctx context.Context, tx storage.Tx, student core.Student, month core.FeeMonth, totalDue core.Money, due core.Date) (core.FeePeriod, error) {
	if due.IsZero() {
		due = month.DayInMonth(s.dueDay)
	}
	p, err := core.NewFeePeriod(student.ID, student.HostelID, month, totalDue, due)
	if err != nil {
		return core.FeePeriod{}, err
	}
	return tx.InsertPeriod(ctx, p)
}

// EnsureMonth opens the month's period for every active student of the hostel
// who does not have one yet, priced at their monthly rent. Existing periods
// are left untouched, so running it again is harmless.
func (s *LedgerService) EnsureMonth(ctx context.Context, hostelID string, month core.FeeMonth) (int, error) {
	if err := month.Validate(); err != nil {
		return 0, err
	}
	students, err := s.store.Students(ctx, hostelID, true)
	if err != nil {
		return 0, fmt.Errorf("list students: %w", err)
	}

	created := 0
	for _, st := range students {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if !st.MonthlyRent.IsPositive() {
			s.logger.WarnContext(ctx, "Skipping student without monthly rent",
				log.FieldStudentID, st.ID, log.FieldFeeMonth, month.String())
			continue
		}
		ok, err := s.ensurePeriod(ctx, st, month)
		if err != nil {
			return created, fmt.Errorf("ensure %s for %s: %w", month, st.ID, err)
		}
		if ok {
			created++
		}
	}

	s.logger.InfoContext(ctx, "Month periods ensured",
		log.FieldOperation, log.OpBackfill,
		log.FieldHostelID, hostelID,
		log.FieldFeeMonth, month.String(),
		"students", len(students),
		"created", created)
	return created, nil
}

func (s *LedgerService) ensurePeriod(ctx context.Context, st core.Student, month core.FeeMonth) (bool, error) {
	unlock := s.locks.Lock(st.ID)
	defer unlock()

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		_, err := s.insertPeriod(ctx, tx, st, month, st.MonthlyRent, core.Date{})
		return err
	})
	if errors.Is(err, core.ErrDuplicatePeriod) {
		return false, nil
	}
	return err == nil, err
}

// Summary builds the monthly fee screen for a hostel. It never writes.
func (s *LedgerService) Summary(ctx context.Context, hostelID string, month core.FeeMonth) (core.MonthSummary, error) {
	if err := month.Validate(); err != nil {
		return core.MonthSummary{}, err
	}
	periods, err := s.store.PeriodsForMonth(ctx, hostelID, month)
	if err != nil {
		return core.MonthSummary{}, fmt.Errorf("load periods: %w", err)
	}
	payments, err := s.store.PaymentsForMonth(ctx, hostelID, month)
	if err != nil {
		return core.MonthSummary{}, fmt.Errorf("load payments: %w", err)
	}
	students, err := s.store.Students(ctx, hostelID, false)
	if err != nil {
		return core.MonthSummary{}, fmt.Errorf("load students: %w", err)
	}
	byID := make(map[string]core.Student, len(students))
	for _, st := range students {
		byID[st.ID] = st
	}
	return core.BuildMonthSummary(hostelID, month, periods, payments, byID, s.now()), nil
}

// StudentLedger returns every period and payment of one student.
func (s *LedgerService) StudentLedger(ctx context.Context, studentID string) (core.StudentLedger, error) {
	student, err := s.store.Student(ctx, studentID)
	if err != nil {
		return core.StudentLedger{}, err
	}
	periods, err := s.store.StudentPeriods(ctx, studentID)
	if err != nil {
		return core.StudentLedger{}, fmt.Errorf("load periods: %w", err)
	}
	payments, err := s.store.StudentPayments(ctx, studentID)
	if err != nil {
		return core.StudentLedger{}, fmt.Errorf("load payments: %w", err)
	}
	if payments == nil {
		payments = []core.Payment{}
	}
	return core.StudentLedger{
		Student:  student,
		Periods:  s.views(periods, student),
		Payments: payments,
		Totals:   core.Totals(periods),
	}, nil
}

func (s *LedgerService) PaymentModes(ctx context.Context) ([]core.PaymentMode, error) {
	return s.store.PaymentModes(ctx)
}

// Ping reports whether the backing store is reachable.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SchemaVersion reports the migration version of the underlying store.
// migrated is false for stores without a schema. A dirty schema is an error.
func (s *LedgerService) SchemaVersion() (version uint, migrated bool, err error) {
	v, ok := s.store.(storage.Versioned)
	if !ok {
		return 0, false, nil
	}
	version, dirty, err := v.SchemaVersion()
	if err != nil {
		return version, true, err
	}
	if dirty {
		return version, true, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, true, nil
}

func (s *LedgerService) publish(ctx context.Context, p core.Payment, periods []core.FeePeriod) {
	if s.events == nil {
		s.logger.DebugContext(ctx, "No event publisher configured, skipping payment event")
		return
	}
	if err := s.events.PublishPaymentRecorded(ctx, p, periods); err != nil {
		// The payment is committed; the audit worker's periodic scan covers
		// events that never arrive.
		s.logger.ErrorContext(ctx, "Failed to publish payment event",
			log.FieldPaymentID, p.ID, log.FieldError, err)
	}
}

func (s *LedgerService) views(periods []core.FeePeriod, student core.Student) []core.PeriodView {
	now := s.now()
	out := make([]core.PeriodView, 0, len(periods))
	for _, p := range periods {
		out = append(out, core.NewPeriodView(p, student, now))
	}
	return out
}

func hasMonth(periods []core.FeePeriod, m core.FeeMonth) bool {
	for _, p := range periods {
		if p.FeeMonth == m {
			return true
		}
	}
	return false
}

func pick(periods []core.FeePeriod, months []core.FeeMonth) []core.FeePeriod {
	var out []core.FeePeriod
	for _, p := range periods {
		if hasMonthIn(months, p.FeeMonth) {
			out = append(out, p)
		}
	}
	return out
}

func hasMonthIn(months []core.FeeMonth, m core.FeeMonth) bool {
	for _, v := range months {
		if v == m {
			return true
		}
	}
	return false
}
