package core

import (
	"fmt"
	"time"
)

// FeeMonth identifies a calendar month of rent ("YYYY-MM").
type FeeMonth struct {
	Year  int
	Month time.Month
}

// NewFeeMonth creates a FeeMonth from year and month.
func NewFeeMonth(year int, month time.Month) FeeMonth {
	return FeeMonth{Year: year, Month: month}
}

// MonthOf returns the fee month containing t.
func MonthOf(t time.Time) FeeMonth {
	return FeeMonth{Year: t.Year(), Month: t.Month()}
}

// ParseFeeMonth parses the strict "YYYY-MM" form.
func ParseFeeMonth(s string) (FeeMonth, error) {
	if len(s) != 7 || s[4] != '-' {
		return FeeMonth{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	year, ok := atoiDigits(s[:4])
	if !ok {
		return FeeMonth{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	month, ok := atoiDigits(s[5:])
	if !ok || month < 1 || month > 12 || year < 1900 {
		return FeeMonth{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	return FeeMonth{Year: year, Month: time.Month(month)}, nil
}

// MustParseFeeMonth is ParseFeeMonth for constants and tests.
func MustParseFeeMonth(s string) FeeMonth {
	m, err := ParseFeeMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m FeeMonth) String() string {
	if m.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

func (m FeeMonth) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

func (m FeeMonth) Validate() error {
	if m.Year < 1900 || m.Year > 9999 || m.Month < time.January || m.Month > time.December {
		return fmt.Errorf("%w: %d-%d", ErrInvalidMonth, m.Year, int(m.Month))
	}
	return nil
}

// AddMonths returns the month n months later (n may be negative).
func (m FeeMonth) AddMonths(n int) FeeMonth {
	idx := m.Year*12 + int(m.Month) - 1 + n
	return FeeMonth{Year: idx / 12, Month: time.Month(idx%12 + 1)}
}

// Next returns the following month.
func (m FeeMonth) Next() FeeMonth {
	return m.AddMonths(1)
}

func (m FeeMonth) Before(o FeeMonth) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

func (m FeeMonth) After(o FeeMonth) bool {
	return o.Before(m)
}

// FirstDay returns the first day of the month at UTC midnight.
func (m FeeMonth) FirstDay() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// DayInMonth returns the given day of this month, clamped to the month length
// (day 31 of February is the 28th or 29th).
func (m FeeMonth) DayInMonth(day int) Date {
	last := daysIn(m.Year, m.Month)
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return NewDate(m.Year, int(m.Month), day)
}

// MarshalText renders the month as "YYYY-MM" for JSON values and map keys.
func (m FeeMonth) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *FeeMonth) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*m = FeeMonth{}
		return nil
	}
	parsed, err := ParseFeeMonth(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func atoiDigits(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
