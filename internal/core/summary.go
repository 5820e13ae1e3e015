package core

import "time"

// PeriodView is a fee period as shown on the monthly screen, with the
// derived status and balance filled in.
type PeriodView struct {
	FeePeriod
	Status      Status  `json:"status"`
	Balance     Money   `json:"balance"`
	Overpayment Money   `json:"overpayment"`
	Student     Student `json:"student"`
}

// MonthSummary is the read model for one hostel and one fee month.
type MonthSummary struct {
	HostelID    string         `json:"hostel_id"`
	FeeMonth    FeeMonth       `json:"fee_month"`
	GeneratedAt time.Time      `json:"generated_at"`
	Periods     []PeriodView   `json:"fee_periods"`
	Payments    []Payment      `json:"payments"`
	Totals      LedgerTotals   `json:"totals"`
	Counts      map[Status]int `json:"status_counts"`
}

// StudentLedger is the full history of one student.
type StudentLedger struct {
	Student  Student      `json:"student"`
	Periods  []PeriodView `json:"fee_periods"`
	Payments []Payment    `json:"payments"`
	Totals   LedgerTotals `json:"totals"`
}

// NewPeriodView derives status and balance for p at now.
func NewPeriodView(p FeePeriod, student Student, now time.Time) PeriodView {
	return PeriodView{
		FeePeriod:   p,
		Status:      DeriveStatus(p, now),
		Balance:     Balance(p),
		Overpayment: Overpayment(p),
		Student:     student,
	}
}

// BuildMonthSummary assembles the month read model. students is keyed by id;
// periods of students missing from it are still listed with an empty profile.
func BuildMonthSummary(hostelID string, month FeeMonth, periods []FeePeriod, payments []Payment, students map[string]Student, now time.Time) MonthSummary {
	views := make([]PeriodView, 0, len(periods))
	for _, p := range periods {
		views = append(views, NewPeriodView(p, students[p.StudentID], now))
	}
	if payments == nil {
		payments = []Payment{}
	}
	return MonthSummary{
		HostelID:    hostelID,
		FeeMonth:    month,
		GeneratedAt: now,
		Periods:     views,
		Payments:    payments,
		Totals:      Totals(periods),
		Counts:      CountByStatus(periods, now),
	}
}
