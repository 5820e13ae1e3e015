package storage

import (
	"context"

	"feeledger/internal/core"
)

// Ports implemented by every ledger backend.
type (
	// Directory is the read-only student directory plus seeding.
	Directory interface {
		Student(ctx context.Context, id string) (core.Student, error)
		// Students lists a hostel's students; an empty hostelID lists all.
		Students(ctx context.Context, hostelID string, activeOnly bool) ([]core.Student, error)
		UpsertStudent(ctx context.Context, s core.Student) error
	}

	// LedgerReader serves the read models. Reads never take the write lock.
	LedgerReader interface {
		PeriodsForMonth(ctx context.Context, hostelID string, month core.FeeMonth) ([]core.FeePeriod, error)
		// PaymentsForMonth returns payments with at least one allocation to month.
		PaymentsForMonth(ctx context.Context, hostelID string, month core.FeeMonth) ([]core.Payment, error)
		StudentPeriods(ctx context.Context, studentID string) ([]core.FeePeriod, error)
		StudentPayments(ctx context.Context, studentID string) ([]core.Payment, error)
		PaymentModes(ctx context.Context) ([]core.PaymentMode, error)
		// RecentPayments returns up to limit payments, newest first.
		RecentPayments(ctx context.Context, limit int) ([]core.Payment, error)
	}

	// Tx is one atomic unit of ledger writes. Nothing written through it is
	// visible to readers until the enclosing InTx returns nil.
	Tx interface {
		Student(ctx context.Context, id string) (core.Student, error)
		StudentPeriods(ctx context.Context, studentID string) ([]core.FeePeriod, error)
		PaymentByTransaction(ctx context.Context, studentID, transactionID string) (core.Payment, bool, error)
		PaymentModeExists(ctx context.Context, id int64) (bool, error)
		// InsertPeriod fails with core.ErrDuplicatePeriod if the
		// (student_id, fee_month) pair exists. The stored period is returned
		// with Version 1 and timestamps set.
		InsertPeriod(ctx context.Context, p core.FeePeriod) (core.FeePeriod, error)
		// UpdatePeriodPaid writes p.AmountPaid if the stored version still
		// equals p.Version, and fails with core.ErrConcurrentModification
		// otherwise. It refuses to decrease AmountPaid.
		UpdatePeriodPaid(ctx context.Context, p core.FeePeriod) (core.FeePeriod, error)
		InsertPayment(ctx context.Context, p core.Payment) error
	}

	// Versioned is implemented by stores whose schema is applied by migrations.
	Versioned interface {
		SchemaVersion() (version uint, dirty bool, err error)
	}

	Store interface {
		Directory
		LedgerReader
		InTx(ctx context.Context, fn func(tx Tx) error) error
		Ping(ctx context.Context) error
		Close() error
	}
)
