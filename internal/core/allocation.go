package core

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultAdvanceLimit caps how many future months a single overshooting
// payment may create.
const DefaultAdvanceLimit = 12

// ApplyInput is everything the payment application engine needs. It holds
// no store handles: the engine is a pure function over this snapshot.
type ApplyInput struct {
	StudentID string
	HostelID  string
	Amount    Money
	// Periods are all of the student's existing periods, in any order.
	Periods []FeePeriod
	// TargetMonth, when set and open, is credited before anything else.
	TargetMonth FeeMonth
	// MonthlyRent prices advance periods created from an overshoot.
	MonthlyRent Money
	// DueDay is used for advance periods when the anchor has no due date.
	DueDay int
	// AdvanceLimit bounds created advance periods; <= 0 means DefaultAdvanceLimit.
	AdvanceLimit int
}

// Application is the outcome of applying one payment.
type Application struct {
	Allocations []Allocation
	// Updated holds existing periods with their new AmountPaid.
	Updated []FeePeriod
	// Created holds advance periods that did not exist before the payment.
	Created []FeePeriod
}

// Total sums the allocations.
func (a Application) Total() Money {
	var total Money
	for _, al := range a.Allocations {
		total = total.Add(al.AppliedAmount)
	}
	return total
}

// Touched lists every period written by the application, existing first.
func (a Application) Touched() []FeePeriod {
	out := make([]FeePeriod, 0, len(a.Updated)+len(a.Created))
	out = append(out, a.Updated...)
	return append(out, a.Created...)
}

// AllocationOrder returns the periods in the order a payment is credited to
// them: the target month first when given, then every other period by
// fee month ascending. Closed periods are kept; the walk skips them.
func AllocationOrder(periods []FeePeriod, target FeeMonth) []FeePeriod {
	ordered := make([]FeePeriod, len(periods))
	copy(ordered, periods)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !target.IsZero() {
			if a.FeeMonth == target && b.FeeMonth != target {
				return true
			}
			if b.FeeMonth == target {
				return false
			}
		}
		return a.FeeMonth.Before(b.FeeMonth)
	})
	return ordered
}

// ApplyPayment credits a payment across the student's periods. The target
// month is paid first, then open periods oldest first. A remainder after all
// open periods are settled is carried forward into new periods for the months
// after the student's latest period, each priced at MonthlyRent, up to the
// advance limit. Money is never dropped: if the remainder cannot be placed the
// payment is rejected.
func ApplyPayment(in ApplyInput) (Application, error) {
	if strings.TrimSpace(in.StudentID) == "" {
		return Application{}, ErrUnknownStudent
	}
	if err := in.Amount.Validate(); err != nil {
		return Application{}, fmt.Errorf("payment amount %s: %w", in.Amount, err)
	}
	for _, p := range in.Periods {
		if p.StudentID != in.StudentID {
			return Application{}, fmt.Errorf("period %s belongs to %q: %w", p.Key(), p.StudentID, ErrUnknownStudent)
		}
	}

	var (
		app       Application
		remaining = in.Amount
	)
	for _, p := range AllocationOrder(in.Periods, in.TargetMonth) {
		if !remaining.IsPositive() {
			break
		}
		applied := MinMoney(remaining, Balance(p))
		if !applied.IsPositive() {
			continue
		}
		credited, err := p.Credit(applied)
		if err != nil {
			return Application{}, err
		}
		app.Updated = append(app.Updated, credited)
		app.Allocations = append(app.Allocations, Allocation{FeeMonth: p.FeeMonth, AppliedAmount: applied})
		remaining = remaining.Sub(applied)
	}

	if remaining.IsPositive() {
		created, allocs, err := carryForward(in, remaining)
		if err != nil {
			return Application{}, err
		}
		app.Created = created
		app.Allocations = append(app.Allocations, allocs...)
	}

	if app.Total() != in.Amount {
		return Application{}, fmt.Errorf("%w: allocated %s of %s", ErrInvalidAmount, app.Total(), in.Amount)
	}
	return app, nil
}

func carryForward(in ApplyInput, remaining Money) ([]FeePeriod, []Allocation, error) {
	anchor, ok := latestPeriod(in.Periods)
	if !ok || !in.MonthlyRent.IsPositive() {
		return nil, nil, fmt.Errorf("%s left over for student %q: %w", remaining, in.StudentID, ErrNoOpenPeriods)
	}
	limit := in.AdvanceLimit
	if limit <= 0 {
		limit = DefaultAdvanceLimit
	}
	dueDay := in.DueDay
	if !anchor.DueDate.IsZero() {
		dueDay = anchor.DueDate.Day()
	}
	hostelID := in.HostelID
	if hostelID == "" {
		hostelID = anchor.HostelID
	}

	var (
		created []FeePeriod
		allocs  []Allocation
		month   = anchor.FeeMonth
	)
	for remaining.IsPositive() {
		if len(created) == limit {
			return nil, nil, fmt.Errorf("%w: %s exceeds %d months of advance rent", ErrInvalidAmount, remaining, limit)
		}
		month = month.Next()
		p, err := NewFeePeriod(in.StudentID, hostelID, month, in.MonthlyRent, month.DayInMonth(dueDay))
		if err != nil {
			return nil, nil, err
		}
		applied := MinMoney(remaining, p.TotalDue)
		if p, err = p.Credit(applied); err != nil {
			return nil, nil, err
		}
		created = append(created, p)
		allocs = append(allocs, Allocation{FeeMonth: month, AppliedAmount: applied, Advance: true})
		remaining = remaining.Sub(applied)
	}
	return created, allocs, nil
}

func latestPeriod(periods []FeePeriod) (FeePeriod, bool) {
	if len(periods) == 0 {
		return FeePeriod{}, false
	}
	latest := periods[0]
	for _, p := range periods[1:] {
		if p.FeeMonth.After(latest.FeeMonth) {
			latest = p
		}
	}
	return latest, true
}
