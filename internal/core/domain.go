package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	Date struct {
		time.Time
	}

	// Student is the read-only directory view of a tenant. Only MonthlyRent
	// feeds ledger math (pricing new periods); the rest is for display.
	Student struct {
		ID          string `json:"student_id"`
		HostelID    string `json:"hostel_id"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
		RoomNumber  string `json:"room_number"`
		Phone       string `json:"phone"`
		MonthlyRent Money  `json:"monthly_rent"`
		Active      bool   `json:"active"`
	}

	PaymentMode struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}

	// FeePeriod is one expected charge for one student for one calendar month.
	// Status is never stored; see DeriveStatus.
	FeePeriod struct {
		StudentID  string    `json:"student_id"`
		HostelID   string    `json:"hostel_id"`
		FeeMonth   FeeMonth  `json:"fee_month"`
		TotalDue   Money     `json:"total_due"`
		AmountPaid Money     `json:"amount_paid"`
		DueDate    Date      `json:"due_date"`
		Version    int64     `json:"version"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	}

	// Allocation is the portion of one payment credited to one fee period.
	Allocation struct {
		PaymentID     string   `json:"payment_id"`
		FeeMonth      FeeMonth `json:"fee_month"`
		AppliedAmount Money    `json:"applied_amount"`
		Advance       bool     `json:"advance"`
	}

	// Payment is an immutable record of money received.
	Payment struct {
		ID            string       `json:"payment_id"`
		StudentID     string       `json:"student_id"`
		HostelID      string       `json:"hostel_id"`
		Amount        Money        `json:"amount"`
		PaymentDate   Date         `json:"payment_date"`
		PaymentModeID int64        `json:"payment_mode_id"`
		TransactionID string       `json:"transaction_id,omitempty"`
		Notes         string       `json:"notes,omitempty"`
		CreatedAt     time.Time    `json:"created_at"`
		Allocations   []Allocation `json:"allocations"`
	}
)

var (
	ErrInvalidDay             = errors.New("invalid day")
	ErrInvalidMonth           = errors.New("invalid fee month")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidDate            = errors.New("invalid date")
	ErrDuplicatePeriod        = errors.New("fee period already exists")
	ErrUnknownStudent         = errors.New("unknown student")
	ErrNoOpenPeriods          = errors.New("no open fee periods")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrUnknownPaymentMode     = errors.New("unknown payment mode")
	ErrNotesTooLong           = errors.New("notes too long (max 500 characters)")
)

const dateLayout = "2006-01-02"

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a "YYYY-MM-DD" date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Time: t}, nil
}

// DateOf truncates t to its calendar date in its own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

// IsEmpty returns true if the date is zero (for optional dates)
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

// AddMonths shifts the date by n months keeping the day of month, clamped to
// the length of the target month.
func (d Date) AddMonths(n int) Date {
	return MonthOf(d.Time).AddMonths(n).DayInMonth(d.Day())
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalJSON overrides the embedded time.Time encoding.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*d = Date{}
		return nil
	}
	return d.UnmarshalText([]byte(strings.Trim(s, `"`)))
}

func (d *Date) UnmarshalText(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" {
		*d = Date{}
		return nil
	}
	// Accept full timestamps from older clients, keeping only the date.
	if len(s) > len(dateLayout) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			*d = DateOf(t)
			return nil
		}
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FullName joins first and last name for display.
func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// NewFeePeriod is the only constructor of fee periods. Uniqueness of
// (student_id, fee_month) is enforced by the store on insert.
func NewFeePeriod(studentID, hostelID string, month FeeMonth, totalDue Money, dueDate Date) (FeePeriod, error) {
	if strings.TrimSpace(studentID) == "" {
		return FeePeriod{}, ErrUnknownStudent
	}
	if err := month.Validate(); err != nil {
		return FeePeriod{}, err
	}
	if err := totalDue.Validate(); err != nil {
		return FeePeriod{}, fmt.Errorf("total due %s: %w", totalDue, err)
	}
	if dueDate.IsZero() {
		return FeePeriod{}, fmt.Errorf("%w: due date is required", ErrInvalidDate)
	}
	return FeePeriod{
		StudentID: studentID,
		HostelID:  hostelID,
		FeeMonth:  month,
		TotalDue:  totalDue,
		DueDate:   dueDate,
	}, nil
}

// Credit returns a copy of the period with amount added to AmountPaid. It is
// the only way AmountPaid changes, so the field can never decrease.
func (p FeePeriod) Credit(amount Money) (FeePeriod, error) {
	if !amount.IsPositive() {
		return p, fmt.Errorf("credit %s to %s: %w", amount, p.FeeMonth, ErrInvalidAmount)
	}
	p.AmountPaid = p.AmountPaid.Add(amount)
	return p, nil
}

// Key identifies the period within the ledger.
func (p FeePeriod) Key() string {
	return p.StudentID + "/" + p.FeeMonth.String()
}

// AllocatedTotal sums the applied amounts of all allocations.
func (p Payment) AllocatedTotal() Money {
	var total Money
	for _, a := range p.Allocations {
		total = total.Add(a.AppliedAmount)
	}
	return total
}

// Months lists the fee months this payment touched, in allocation order.
func (p Payment) Months() []FeeMonth {
	months := make([]FeeMonth, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		months = append(months, a.FeeMonth)
	}
	return months
}

// Validate checks the conservation invariant: allocations add up to the
// payment amount exactly.
func (p Payment) Validate() error {
	if strings.TrimSpace(p.StudentID) == "" {
		return ErrUnknownStudent
	}
	if err := p.Amount.Validate(); err != nil {
		return err
	}
	if len(p.Notes) > 500 {
		return ErrNotesTooLong
	}
	for _, a := range p.Allocations {
		if !a.AppliedAmount.IsPositive() {
			return fmt.Errorf("allocation to %s: %w", a.FeeMonth, ErrInvalidAmount)
		}
	}
	if got := p.AllocatedTotal(); got != p.Amount {
		return fmt.Errorf("%w: allocations %s do not add up to payment %s", ErrInvalidAmount, got, p.Amount)
	}
	return nil
}
