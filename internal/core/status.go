package core

import (
	"strings"
	"time"
)

// Status is the display state of a fee period. It is always derived from the
// period's amounts and due date, never stored.
type Status string

const (
	StatusUpcoming Status = "Upcoming"
	StatusDueSoon  Status = "DueSoon"
	StatusUnpaid   Status = "Unpaid"
	StatusOverdue  Status = "Overdue"
	StatusPartial  Status = "Partial"
	StatusPaid     Status = "Paid"
)

// AllStatuses lists every status in tab order.
var AllStatuses = []Status{
	StatusPaid,
	StatusPartial,
	StatusUnpaid,
	StatusOverdue,
	StatusDueSoon,
	StatusUpcoming,
}

// DueSoonWindow is how far ahead of the due date an unpaid period turns DueSoon.
const DueSoonWindow = 7 * 24 * time.Hour

func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Balance is what is still owed on the period, never negative.
func Balance(p FeePeriod) Money {
	return MaxMoney(Money{}, p.TotalDue.Sub(p.AmountPaid))
}

// Overpayment is the amount paid beyond TotalDue, zero if none.
func Overpayment(p FeePeriod) Money {
	return MaxMoney(Money{}, p.AmountPaid.Sub(p.TotalDue))
}

// IsOpen reports whether the period still has a balance.
func IsOpen(p FeePeriod) bool {
	return Balance(p).IsPositive()
}

// DeriveStatus maps a period to exactly one status. Rules are evaluated in
// order and the first match wins. Due dates are compared against the calendar
// date of now, so a period due today is DueSoon rather than Overdue.
func DeriveStatus(p FeePeriod, now time.Time) Status {
	if !IsOpen(p) {
		return StatusPaid
	}
	if p.AmountPaid.IsPositive() {
		return StatusPartial
	}
	if p.DueDate.IsZero() {
		return StatusUnpaid
	}
	today := DateOf(now)
	due := DateOf(p.DueDate.Time)
	if due.Before(today.Time) {
		return StatusOverdue
	}
	if due.Sub(today.Time) <= DueSoonWindow {
		return StatusDueSoon
	}
	return StatusUpcoming
}

// LegacyStatusTableVersion identifies the revision of legacyStatuses. Bump it
// whenever an entry is added or changed.
const LegacyStatusTableVersion = 1

// legacyStatuses maps every status string ever written by older servers and
// clients, after normalizeStatusKey, to its canonical status.
var legacyStatuses = map[string]Status{
	"paid":           StatusPaid,
	"fully paid":     StatusPaid,
	"fullypaid":      StatusPaid,
	"cleared":        StatusPaid,
	"complete":       StatusPaid,
	"completed":      StatusPaid,
	"settled":        StatusPaid,
	"partial":        StatusPartial,
	"partially paid": StatusPartial,
	"part paid":      StatusPartial,
	"pending":        StatusUnpaid,
	"unpaid":         StatusUnpaid,
	"due":            StatusUnpaid,
	"not paid":       StatusUnpaid,
	"overdue":        StatusOverdue,
	"late":           StatusOverdue,
	"past due":       StatusOverdue,
	"upcoming":       StatusUpcoming,
	"scheduled":      StatusUpcoming,
	"future":         StatusUpcoming,
	"due soon":       StatusDueSoon,
	"duesoon":        StatusDueSoon,
}

// NormalizeStatus resolves a status string from any source to a canonical
// Status. Matching ignores case and treats runs of spaces, underscores and
// hyphens as one space. Unknown strings return false.
func NormalizeStatus(raw string) (Status, bool) {
	s, ok := legacyStatuses[normalizeStatusKey(raw)]
	return s, ok
}

func normalizeStatusKey(raw string) string {
	f := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t' || r == '\n'
	})
	return strings.Join(f, " ")
}

// CountByStatus counts periods per status. Every status is present in the
// result, zero when no period has it.
func CountByStatus(periods []FeePeriod, now time.Time) map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, p := range periods {
		counts[DeriveStatus(p, now)]++
	}
	return counts
}

// LedgerTotals aggregates a set of periods for dashboards.
type LedgerTotals struct {
	Due         Money `json:"total_due"`
	Collected   Money `json:"total_collected"`
	Outstanding Money `json:"total_outstanding"`
	Advance     Money `json:"total_advance"`
}

// Totals sums due, collected, outstanding balance and overpayment.
func Totals(periods []FeePeriod) LedgerTotals {
	var t LedgerTotals
	for _, p := range periods {
		t.Due = t.Due.Add(p.TotalDue)
		t.Collected = t.Collected.Add(p.AmountPaid)
		t.Outstanding = t.Outstanding.Add(Balance(p))
		t.Advance = t.Advance.Add(Overpayment(p))
	}
	return t
}
