package services

import (
	"context"
	"fmt"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/storage"
)

// Discrepancy is one broken ledger invariant found by the auditor.
type Discrepancy struct {
	StudentID string
	PaymentID string
	FeeMonth  core.FeeMonth
	Problem   string
}

func (d Discrepancy) String() string {
	if d.PaymentID != "" {
		return fmt.Sprintf("student %s payment %s: %s", d.StudentID, d.PaymentID, d.Problem)
	}
	return fmt.Sprintf("student %s period %s: %s", d.StudentID, d.FeeMonth, d.Problem)
}

// Auditor re-checks committed ledger state: every payment's allocations add
// up to its amount, and every period's amount_paid equals the allocations
// credited to it.
type Auditor struct {
	store  storage.Store
	logger *log.Logger
}

func NewAuditor(store storage.Store, logger *log.Logger) *Auditor {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Auditor{store: store, logger: logger.WithComponent(log.ComponentAudit)}
}

// AuditStudent checks one student's whole ledger.
func (a *Auditor) AuditStudent(ctx context.Context, studentID string) ([]Discrepancy, error) {
	periods, err := a.store.StudentPeriods(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load periods: %w", err)
	}
	payments, err := a.store.StudentPayments(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}

	var found []Discrepancy
	credited := make(map[core.FeeMonth]core.Money)
	for _, p := range payments {
		if err := p.Validate(); err != nil {
			found = append(found, Discrepancy{StudentID: studentID, PaymentID: p.ID, Problem: err.Error()})
		}
		for _, al := range p.Allocations {
			credited[al.FeeMonth] = credited[al.FeeMonth].Add(al.AppliedAmount)
		}
	}
	known := make(map[core.FeeMonth]bool, len(periods))
	for _, p := range periods {
		known[p.FeeMonth] = true
		if got := credited[p.FeeMonth]; got != p.AmountPaid {
			found = append(found, Discrepancy{
				StudentID: studentID,
				FeeMonth:  p.FeeMonth,
				Problem:   fmt.Sprintf("amount_paid %s but allocations total %s", p.AmountPaid, got),
			})
		}
	}
	for m, amount := range credited {
		if !known[m] {
			found = append(found, Discrepancy{
				StudentID: studentID,
				FeeMonth:  m,
				Problem:   fmt.Sprintf("%s allocated to a period that does not exist", amount),
			})
		}
	}

	for _, d := range found {
		a.logger.ErrorContext(ctx, "Ledger discrepancy",
			log.FieldOperation, log.OpAudit,
			log.FieldStudentID, d.StudentID,
			log.FieldPaymentID, d.PaymentID,
			log.FieldFeeMonth, d.FeeMonth.String(),
			"problem", d.Problem)
	}
	return found, nil
}

// AuditRecent audits every student with a payment among the latest limit
// payments.
func (a *Auditor) AuditRecent(ctx context.Context, limit int) ([]Discrepancy, error) {
	payments, err := a.store.RecentPayments(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent payments: %w", err)
	}
	seen := make(map[string]bool)
	var all []Discrepancy
	for _, p := range payments {
		if seen[p.StudentID] {
			continue
		}
		seen[p.StudentID] = true
		found, err := a.AuditStudent(ctx, p.StudentID)
		if err != nil {
			return all, err
		}
		all = append(all, found...)
	}
	a.logger.InfoContext(ctx, "Audit scan complete",
		"students", len(seen), "discrepancies", len(all))
	return all, nil
}
