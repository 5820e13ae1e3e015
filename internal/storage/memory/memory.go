// Package memory is an in-process ledger store for development and tests.
// Everything is lost on restart.
package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
)

// DefaultPaymentModes mirrors the modes seeded by the SQLite migrations.
var DefaultPaymentModes = []core.PaymentMode{
	{ID: 1, Name: "Cash"},
	{ID: 2, Name: "Bank Transfer"},
	{ID: 3, Name: "UPI"},
	{ID: 4, Name: "Card"},
	{ID: 5, Name: "Cheque"},
}

type Store struct {
	mu       sync.RWMutex
	students map[string]core.Student
	periods  map[string]map[core.FeeMonth]core.FeePeriod
	payments []core.Payment
	byTxn    map[string]int
	modes    []core.PaymentMode
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New(students []core.Student, modes []core.PaymentMode) *Store {
	if len(modes) == 0 {
		modes = DefaultPaymentModes
	}
	s := &Store{
		students: make(map[string]core.Student, len(students)),
		periods:  make(map[string]map[core.FeeMonth]core.FeePeriod),
		byTxn:    make(map[string]int),
		modes:    append([]core.PaymentMode(nil), modes...),
		now:      time.Now,
	}
	for _, st := range students {
		s.students[st.ID] = st
	}
	return s
}

// NewFromFiles seeds the directory from base/students.csv when present.
func NewFromFiles(base string) (*Store, error) {
	students, err := storage.LoadStudentsCSV(filepath.Join(base, "students.csv"))
	if err != nil {
		return nil, err
	}
	return New(students, nil), nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) Student(_ context.Context, id string) (core.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.student(id)
}

func (s *Store) student(id string) (core.Student, error) {
	st, ok := s.students[id]
	if !ok {
		return core.Student{}, fmt.Errorf("%q: %w", id, core.ErrUnknownStudent)
	}
	return st, nil
}

func (s *Store) Students(_ context.Context, hostelID string, activeOnly bool) ([]core.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Student, 0, len(s.students))
	for _, st := range s.students {
		if hostelID != "" && st.HostelID != hostelID {
			continue
		}
		if activeOnly && !st.Active {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertStudent(_ context.Context, st core.Student) error {
	if strings.TrimSpace(st.ID) == "" {
		return core.ErrUnknownStudent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[st.ID] = st
	return nil
}

func (s *Store) PeriodsForMonth(_ context.Context, hostelID string, month core.FeeMonth) ([]core.FeePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.FeePeriod
	for _, byMonth := range s.periods {
		p, ok := byMonth[month]
		if !ok || (hostelID != "" && p.HostelID != hostelID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (s *Store) StudentPeriods(_ context.Context, studentID string) ([]core.FeePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPeriods(s.periods[studentID], nil), nil
}

func (s *Store) PaymentsForMonth(_ context.Context, hostelID string, month core.FeeMonth) ([]core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Payment
	for _, p := range s.payments {
		if hostelID != "" && p.HostelID != hostelID {
			continue
		}
		for _, a := range p.Allocations {
			if a.FeeMonth == month {
				out = append(out, clonePayment(p))
				break
			}
		}
	}
	return out, nil
}

func (s *Store) StudentPayments(_ context.Context, studentID string) ([]core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Payment
	for _, p := range s.payments {
		if p.StudentID == studentID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (s *Store) RecentPayments(_ context.Context, limit int) ([]core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]core.Payment, 0, limit)
	for i := len(s.payments) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clonePayment(s.payments[i]))
	}
	return out, nil
}

func (s *Store) PaymentModes(context.Context) ([]core.PaymentMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.PaymentMode(nil), s.modes...), nil
}

// InTx stages writes in an overlay and applies them only when fn succeeds.
// The store is write-locked for the duration, so transactions are serial.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, periods: make(map[string]map[core.FeeMonth]core.FeePeriod)}
	if err := fn(tx); err != nil {
		return err
	}
	for studentID, byMonth := range tx.periods {
		if s.periods[studentID] == nil {
			s.periods[studentID] = make(map[core.FeeMonth]core.FeePeriod)
		}
		for m, p := range byMonth {
			s.periods[studentID][m] = p
		}
	}
	for _, p := range tx.payments {
		if p.TransactionID != "" {
			s.byTxn[txnKey(p.StudentID, p.TransactionID)] = len(s.payments)
		}
		s.payments = append(s.payments, p)
	}
	return nil
}

type memTx struct {
	s        *Store
	periods  map[string]map[core.FeeMonth]core.FeePeriod
	payments []core.Payment
}

func (t *memTx) Student(_ context.Context, id string) (core.Student, error) {
	return t.s.student(id)
}

func (t *memTx) StudentPeriods(_ context.Context, studentID string) ([]core.FeePeriod, error) {
	return sortedPeriods(t.s.periods[studentID], t.periods[studentID]), nil
}

func (t *memTx) lookup(studentID string, m core.FeeMonth) (core.FeePeriod, bool) {
	if p, ok := t.periods[studentID][m]; ok {
		return p, true
	}
	p, ok := t.s.periods[studentID][m]
	return p, ok
}

func (t *memTx) stage(p core.FeePeriod) {
	if t.periods[p.StudentID] == nil {
		t.periods[p.StudentID] = make(map[core.FeeMonth]core.FeePeriod)
	}
	t.periods[p.StudentID][p.FeeMonth] = p
}

func (t *memTx) PaymentByTransaction(_ context.Context, studentID, transactionID string) (core.Payment, bool, error) {
	for _, p := range t.payments {
		if p.StudentID == studentID && p.TransactionID == transactionID {
			return clonePayment(p), true, nil
		}
	}
	if i, ok := t.s.byTxn[txnKey(studentID, transactionID)]; ok {
		return clonePayment(t.s.payments[i]), true, nil
	}
	return core.Payment{}, false, nil
}

func (t *memTx) PaymentModeExists(_ context.Context, id int64) (bool, error) {
	for _, m := range t.s.modes {
		if m.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertPeriod(_ context.Context, p core.FeePeriod) (core.FeePeriod, error) {
	if _, ok := t.lookup(p.StudentID, p.FeeMonth); ok {
		return core.FeePeriod{}, fmt.Errorf("%s: %w", p.Key(), core.ErrDuplicatePeriod)
	}
	now := t.s.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	t.stage(p)
	return p, nil
}

func (t *memTx) UpdatePeriodPaid(_ context.Context, p core.FeePeriod) (core.FeePeriod, error) {
	cur, ok := t.lookup(p.StudentID, p.FeeMonth)
	if !ok || cur.Version != p.Version || p.AmountPaid.LessThan(cur.AmountPaid) {
		return core.FeePeriod{}, fmt.Errorf("period %s at version %d: %w", p.Key(), p.Version, core.ErrConcurrentModification)
	}
	cur.AmountPaid = p.AmountPaid
	cur.Version++
	cur.UpdatedAt = t.s.now().UTC()
	t.stage(cur)
	return cur, nil
}

func (t *memTx) InsertPayment(_ context.Context, p core.Payment) error {
	for _, existing := range t.s.payments {
		if existing.ID == p.ID {
			return fmt.Errorf("payment %s already exists", p.ID)
		}
	}
	t.payments = append(t.payments, clonePayment(p))
	return nil
}

func sortedPeriods(base, overlay map[core.FeeMonth]core.FeePeriod) []core.FeePeriod {
	merged := make(map[core.FeeMonth]core.FeePeriod, len(base)+len(overlay))
	for m, p := range base {
		merged[m] = p
	}
	for m, p := range overlay {
		merged[m] = p
	}
	out := make([]core.FeePeriod, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeeMonth.Before(out[j].FeeMonth) })
	return out
}

func clonePayment(p core.Payment) core.Payment {
	p.Allocations = append([]core.Allocation{}, p.Allocations...)
	return p
}

func txnKey(studentID, transactionID string) string {
	return studentID + "\x00" + transactionID
}
