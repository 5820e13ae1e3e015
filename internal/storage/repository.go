package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/log"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const timeLayout = time.RFC3339Nano

type SQLiteRepository struct {
	db     *sql.DB
	dsn    string
	logger *log.Logger
	now    func() time.Time
}

// DSN builds the modernc sqlite connection string. Transactions begin
// IMMEDIATE so a second process queues on busy_timeout for the write lock
// instead of failing mid-transaction with SQLITE_BUSY.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer connection: SQLite serializes writers anyway, and a single
	// connection turns lock upgrades into queueing instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		dsn:    dsn,
		logger: logger.WithComponent(log.ComponentStorage),
		now:    time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SchemaVersion reports the applied migration version of the database.
func (r *SQLiteRepository) SchemaVersion() (uint, bool, error) {
	return SchemaVersion(r.dsn)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Student implements Directory.
func (r *SQLiteRepository) Student(ctx context.Context, id string) (core.Student, error) {
	return getStudent(ctx, r.db, id)
}

func (r *SQLiteRepository) Students(ctx context.Context, hostelID string, activeOnly bool) ([]core.Student, error) {
	q := `SELECT id, hostel_id, first_name, last_name, room_number, phone, monthly_rent_cents, active
		FROM students WHERE (? = '' OR hostel_id = ?)`
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, hostelID, hostelID)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	var out []core.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpsertStudent(ctx context.Context, s core.Student) error {
	if strings.TrimSpace(s.ID) == "" {
		return core.ErrUnknownStudent
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, hostel_id, first_name, last_name, room_number, phone, monthly_rent_cents, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostel_id = excluded.hostel_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			room_number = excluded.room_number,
			phone = excluded.phone,
			monthly_rent_cents = excluded.monthly_rent_cents,
			active = excluded.active`,
		s.ID, s.HostelID, s.FirstName, s.LastName, s.RoomNumber, s.Phone, s.MonthlyRent.Cents, boolToInt(s.Active))
	if err != nil {
		return fmt.Errorf("upsert student %s: %w", s.ID, err)
	}
	return nil
}

// PeriodsForMonth implements LedgerReader.
func (r *SQLiteRepository) PeriodsForMonth(ctx context.Context, hostelID string, month core.FeeMonth) ([]core.FeePeriod, error) {
	return queryPeriods(ctx, r.db, periodSelect+` WHERE fee_month = ? AND (? = '' OR hostel_id = ?) ORDER BY student_id`,
		month.String(), hostelID, hostelID)
}

func (r *SQLiteRepository) StudentPeriods(ctx context.Context, studentID string) ([]core.FeePeriod, error) {
	return queryPeriods(ctx, r.db, periodSelect+` WHERE student_id = ? ORDER BY fee_month`, studentID)
}

func (r *SQLiteRepository) PaymentsForMonth(ctx context.Context, hostelID string, month core.FeeMonth) ([]core.Payment, error) {
	return queryPayments(ctx, r.db, paymentSelect+`
		WHERE id IN (SELECT payment_id FROM payment_allocations WHERE fee_month = ?)
		AND (? = '' OR hostel_id = ?)
		ORDER BY created_at, id`, month.String(), hostelID, hostelID)
}

func (r *SQLiteRepository) StudentPayments(ctx context.Context, studentID string) ([]core.Payment, error) {
	return queryPayments(ctx, r.db, paymentSelect+` WHERE student_id = ? ORDER BY created_at, id`, studentID)
}

func (r *SQLiteRepository) RecentPayments(ctx context.Context, limit int) ([]core.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryPayments(ctx, r.db, paymentSelect+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (r *SQLiteRepository) PaymentModes(ctx context.Context) ([]core.PaymentMode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM payment_modes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list payment modes: %w", err)
	}
	defer rows.Close()
	var out []core.PaymentMode
	for rows.Next() {
		var m core.PaymentMode
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("scan payment mode: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InTx runs fn inside one database transaction and commits only if fn
// returns nil.
func (r *SQLiteRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return busyAsConflict(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(&sqliteTx{tx: sqlTx, now: r.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			r.logger.ErrorContext(ctx, "Rollback failed", log.FieldError, rbErr)
		}
		return busyAsConflict(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return busyAsConflict(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// busyAsConflict reports a lock held by another process as a concurrent
// modification so callers retry it like a lost version check.
func busyAsConflict(err error) error {
	if isBusy(err) && !errors.Is(err, core.ErrConcurrentModification) {
		return fmt.Errorf("%w: %w", core.ErrConcurrentModification, err)
	}
	return err
}

type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) Student(ctx context.Context, id string) (core.Student, error) {
	return getStudent(ctx, t.tx, id)
}

func (t *sqliteTx) StudentPeriods(ctx context.Context, studentID string) ([]core.FeePeriod, error) {
	return queryPeriods(ctx, t.tx, periodSelect+` WHERE student_id = ? ORDER BY fee_month`, studentID)
}

func (t *sqliteTx) PaymentByTransaction(ctx context.Context, studentID, transactionID string) (core.Payment, bool, error) {
	payments, err := queryPayments(ctx, t.tx, paymentSelect+` WHERE student_id = ? AND transaction_id = ?`, studentID, transactionID)
	if err != nil {
		return core.Payment{}, false, err
	}
	if len(payments) == 0 {
		return core.Payment{}, false, nil
	}
	return payments[0], true, nil
}

func (t *sqliteTx) PaymentModeExists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM payment_modes WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup payment mode %d: %w", id, err)
	}
	return n > 0, nil
}

func (t *sqliteTx) InsertPeriod(ctx context.Context, p core.FeePeriod) (core.FeePeriod, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM fee_periods WHERE student_id = ? AND fee_month = ?`,
		p.StudentID, p.FeeMonth.String()).Scan(&exists)
	if err != nil {
		return core.FeePeriod{}, fmt.Errorf("check period %s: %w", p.Key(), err)
	}
	if exists > 0 {
		return core.FeePeriod{}, fmt.Errorf("%s: %w", p.Key(), core.ErrDuplicatePeriod)
	}

	now := t.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO fee_periods (student_id, hostel_id, fee_month, total_due_cents, amount_paid_cents, due_date, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StudentID, p.HostelID, p.FeeMonth.String(), p.TotalDue.Cents, p.AmountPaid.Cents, p.DueDate.String(),
		p.Version, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return core.FeePeriod{}, fmt.Errorf("%s: %w", p.Key(), core.ErrDuplicatePeriod)
		}
		return core.FeePeriod{}, fmt.Errorf("insert period %s: %w", p.Key(), err)
	}
	return p, nil
}

func (t *sqliteTx) UpdatePeriodPaid(ctx context.Context, p core.FeePeriod) (core.FeePeriod, error) {
	now := t.now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE fee_periods
		SET amount_paid_cents = ?, version = version + 1, updated_at = ?
		WHERE student_id = ? AND fee_month = ? AND version = ? AND amount_paid_cents <= ?`,
		p.AmountPaid.Cents, now.Format(timeLayout), p.StudentID, p.FeeMonth.String(), p.Version, p.AmountPaid.Cents)
	if err != nil {
		return core.FeePeriod{}, fmt.Errorf("update period %s: %w", p.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.FeePeriod{}, fmt.Errorf("update period %s: %w", p.Key(), err)
	}
	if n == 0 {
		return core.FeePeriod{}, fmt.Errorf("period %s at version %d: %w", p.Key(), p.Version, core.ErrConcurrentModification)
	}
	p.Version++
	p.UpdatedAt = now
	return p, nil
}

func (t *sqliteTx) InsertPayment(ctx context.Context, p core.Payment) error {
	var txnID any
	if p.TransactionID != "" {
		txnID = p.TransactionID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, student_id, hostel_id, amount_cents, payment_date, payment_mode_id, transaction_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StudentID, p.HostelID, p.Amount.Cents, p.PaymentDate.String(), p.PaymentModeID, txnID, p.Notes,
		p.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		if txnID != nil && isUniqueViolation(err) && strings.Contains(err.Error(), "transaction_id") {
			// Another process recorded the same transaction first; a retry replays it.
			return fmt.Errorf("transaction %s for %s: %w", p.TransactionID, p.StudentID, core.ErrConcurrentModification)
		}
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	for i, a := range p.Allocations {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO payment_allocations (payment_id, position, fee_month, applied_cents, advance)
			VALUES (?, ?, ?, ?, ?)`,
			p.ID, i, a.FeeMonth.String(), a.AppliedAmount.Cents, boolToInt(a.Advance))
		if err != nil {
			return fmt.Errorf("insert allocation %s/%s: %w", p.ID, a.FeeMonth, err)
		}
	}
	return nil
}

const studentSelect = `SELECT id, hostel_id, first_name, last_name, room_number, phone, monthly_rent_cents, active FROM students`

func getStudent(ctx context.Context, q queryer, id string) (core.Student, error) {
	row := q.QueryRowContext(ctx, studentSelect+` WHERE id = ?`, id)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Student{}, fmt.Errorf("%q: %w", id, core.ErrUnknownStudent)
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(sc scanner) (core.Student, error) {
	var (
		s      core.Student
		rent   int64
		active int
	)
	if err := sc.Scan(&s.ID, &s.HostelID, &s.FirstName, &s.LastName, &s.RoomNumber, &s.Phone, &rent, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Student{}, err
		}
		return core.Student{}, fmt.Errorf("scan student: %w", err)
	}
	s.MonthlyRent = core.Cents(rent)
	s.Active = active == 1
	return s, nil
}

const periodSelect = `SELECT student_id, hostel_id, fee_month, total_due_cents, amount_paid_cents, due_date, version, created_at, updated_at FROM fee_periods`

func queryPeriods(ctx context.Context, q queryer, query string, args ...any) ([]core.FeePeriod, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", err)
	}
	defer rows.Close()

	var out []core.FeePeriod
	for rows.Next() {
		var (
			p                    core.FeePeriod
			month, due           string
			total, paid          int64
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.StudentID, &p.HostelID, &month, &total, &paid, &due, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		if p.FeeMonth, err = core.ParseFeeMonth(month); err != nil {
			return nil, fmt.Errorf("period %s: %w", p.StudentID, err)
		}
		if due != "" {
			if p.DueDate, err = core.ParseDate(due); err != nil {
				return nil, fmt.Errorf("period %s/%s: %w", p.StudentID, month, err)
			}
		}
		p.TotalDue, p.AmountPaid = core.Cents(total), core.Cents(paid)
		p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

const paymentSelect = `SELECT id, student_id, hostel_id, amount_cents, payment_date, payment_mode_id, COALESCE(transaction_id, ''), notes, created_at FROM payments`

func queryPayments(ctx context.Context, q queryer, query string, args ...any) ([]core.Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}

	var out []core.Payment
	for rows.Next() {
		var (
			p                  core.Payment
			amount             int64
			payDate, createdAt string
		)
		if err := rows.Scan(&p.ID, &p.StudentID, &p.HostelID, &amount, &payDate, &p.PaymentModeID, &p.TransactionID, &p.Notes, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Amount = core.Cents(amount)
		if payDate != "" {
			p.PaymentDate, _ = core.ParseDate(payDate)
		}
		p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before the allocation queries: a single-connection pool cannot
	// run them while this result set is open.
	rows.Close()

	for i := range out {
		allocs, err := queryAllocations(ctx, q, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Allocations = allocs
	}
	return out, nil
}

func queryAllocations(ctx context.Context, q queryer, paymentID string) ([]core.Allocation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT fee_month, applied_cents, advance FROM payment_allocations
		WHERE payment_id = ? ORDER BY position`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("query allocations for %s: %w", paymentID, err)
	}
	defer rows.Close()

	allocs := []core.Allocation{}
	for rows.Next() {
		var (
			month   string
			applied int64
			advance int
		)
		if err := rows.Scan(&month, &applied, &advance); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		m, err := core.ParseFeeMonth(month)
		if err != nil {
			return nil, fmt.Errorf("allocation of %s: %w", paymentID, err)
		}
		allocs = append(allocs, core.Allocation{
			PaymentID:     paymentID,
			FeeMonth:      m,
			AppliedAmount: core.Cents(applied),
			Advance:       advance == 1,
		})
	}
	return allocs, rows.Err()
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isUniqueViolation(err error) bool {
	if code, ok := sqliteCode(err); ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return strings.Contains(err.Error(), "SQLITE_BUSY")
	}
	primary := code & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
