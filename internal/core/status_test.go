package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func period(total, paid int64, due Date) FeePeriod {
	return FeePeriod{
		StudentID:  "s1",
		FeeMonth:   MonthOf(due.Time),
		TotalDue:   Cents(total),
		AmountPaid: Cents(paid),
		DueDate:    due,
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		p    FeePeriod
		want Status
	}{
		{"fully paid", period(500, 500, NewDate(2024, 3, 5)), StatusPaid},
		{"overshoot is paid", period(500, 800, NewDate(2024, 3, 5)), StatusPaid},
		{"partial beats overdue", period(500, 200, NewDate(2024, 2, 5)), StatusPartial},
		{"overdue", period(500, 0, NewDate(2024, 3, 9)), StatusOverdue},
		{"due today is due soon", period(500, 0, NewDate(2024, 3, 10)), StatusDueSoon},
		{"due in seven days", period(500, 0, NewDate(2024, 3, 17)), StatusDueSoon},
		{"due in eight days", period(500, 0, NewDate(2024, 3, 18)), StatusUpcoming},
		{"missing due date", period(500, 0, Date{}), StatusUnpaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.p, now))
		})
	}
}

func TestDeriveStatusUsesCallerCalendarDate(t *testing.T) {
	// 23:30 on the 9th in UTC-5 is already the 10th in UTC; the caller's day wins.
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2024, 3, 9, 23, 30, 0, 0, loc)
	assert.Equal(t, StatusDueSoon, DeriveStatus(period(500, 0, NewDate(2024, 3, 9)), now))
}

func TestDeriveStatusIsTotal(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	dues := []Date{{}, NewDate(2023, 1, 1), NewDate(2024, 3, 10), NewDate(2024, 3, 14), NewDate(2025, 1, 1)}
	for _, total := range []int64{1, 500, 100000} {
		for _, paid := range []int64{0, 1, 499, 500, 501, 200000} {
			for _, due := range dues {
				got := DeriveStatus(period(total, paid, due), now)
				assert.True(t, got.IsValid(), "total=%d paid=%d due=%s -> %q", total, paid, due, got)
			}
		}
	}
}

func TestBalanceAndOverpayment(t *testing.T) {
	p := period(500, 800, NewDate(2024, 1, 5))
	assert.True(t, Balance(p).IsZero())
	assert.Equal(t, Cents(300), Overpayment(p))

	p = period(500, 200, NewDate(2024, 1, 5))
	assert.Equal(t, Cents(300), Balance(p))
	assert.True(t, Overpayment(p).IsZero())
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"Fully Paid", StatusPaid, true},
		{"fully paid", StatusPaid, true},
		{"PAID", StatusPaid, true},
		{"  fully_paid ", StatusPaid, true},
		{"Fully-Paid", StatusPaid, true},
		{"cleared", StatusPaid, true},
		{"Pending", StatusUnpaid, true},
		{"Partially Paid", StatusPartial, true},
		{"past_due", StatusOverdue, true},
		{"DueSoon", StatusDueSoon, true},
		{"Upcoming", StatusUpcoming, true},
		{"refunded", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := NormalizeStatus(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeStatusCoversCanonicalNames(t *testing.T) {
	for _, s := range AllStatuses {
		got, ok := NormalizeStatus(string(s))
		assert.True(t, ok, s)
		assert.Equal(t, s, got)
	}
}

func TestCountByStatusAndTotals(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	periods := []FeePeriod{
		period(500, 500, NewDate(2024, 3, 5)),
		period(500, 200, NewDate(2024, 3, 5)),
		period(500, 0, NewDate(2024, 3, 5)),
		period(500, 0, NewDate(2024, 3, 12)),
	}
	counts := CountByStatus(periods, now)
	assert.Len(t, counts, len(AllStatuses))
	assert.Equal(t, 1, counts[StatusPaid])
	assert.Equal(t, 1, counts[StatusPartial])
	assert.Equal(t, 1, counts[StatusOverdue])
	assert.Equal(t, 1, counts[StatusDueSoon])
	assert.Equal(t, 0, counts[StatusUpcoming])

	totals := Totals(periods)
	assert.Equal(t, Cents(2000), totals.Due)
	assert.Equal(t, Cents(700), totals.Collected)
	assert.Equal(t, Cents(1300), totals.Outstanding)
	assert.True(t, totals.Advance.IsZero())
}
