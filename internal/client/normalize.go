package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feeledger/internal/core"
)

// FeeRecord is one fee period as the app displays it.
type FeeRecord struct {
	core.FeePeriod
	Student core.Student
	// ReportedStatus is the server's status string resolved to the canonical
	// set, empty when absent or unknown. Screens use DeriveStatus instead.
	ReportedStatus core.Status
}

// MonthData is everything one month screen shows.
type MonthData struct {
	HostelID string
	FeeMonth core.FeeMonth
	Records  []FeeRecord
	Payments []core.Payment
	// Skipped counts records dropped because they had no identity.
	Skipped int
}

// Periods returns the bare fee periods, for counts and totals.
func (d MonthData) Periods() []core.FeePeriod {
	out := make([]core.FeePeriod, 0, len(d.Records))
	for _, r := range d.Records {
		out = append(out, r.FeePeriod)
	}
	return out
}

// Legacy field names, most current first.
var (
	totalDueKeys   = []string{"total_due", "total_amount", "monthly_rent", "amount_due"}
	amountPaidKeys = []string{"amount_paid", "paid_amount", "paid"}
	feeMonthKeys   = []string{"fee_month", "month", "month_key"}
	dueDateKeys    = []string{"due_date", "dueDate", "due"}
)

func decodeSummary(body []byte) (MonthData, error) {
	var raw struct {
		HostelID string           `json:"hostel_id"`
		FeeMonth string           `json:"fee_month"`
		Periods  []map[string]any `json:"fee_periods"`
		Payments []core.Payment   `json:"payments"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return MonthData{}, fmt.Errorf("decode summary: %w", err)
	}
	month, err := core.ParseFeeMonth(raw.FeeMonth)
	if err != nil {
		return MonthData{}, fmt.Errorf("decode summary: %w", err)
	}
	records, skipped := normalizeFeeRecords(raw.Periods)
	return MonthData{
		HostelID: raw.HostelID,
		FeeMonth: month,
		Records:  records,
		Payments: raw.Payments,
		Skipped:  skipped,
	}, nil
}

func decodeReceipt(body []byte) (PaymentReceipt, error) {
	var raw struct {
		Payment  core.Payment     `json:"payment"`
		Periods  []map[string]any `json:"fee_periods"`
		Replayed bool             `json:"replayed"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return PaymentReceipt{}, fmt.Errorf("decode payment receipt: %w", err)
	}
	if raw.Payment.ID == "" {
		return PaymentReceipt{}, errors.New("decode payment receipt: missing payment_id")
	}
	records, _ := normalizeFeeRecords(raw.Periods)
	return PaymentReceipt{Payment: raw.Payment, Records: records, Replayed: raw.Replayed}, nil
}

func normalizeFeeRecords(raws []map[string]any) ([]FeeRecord, int) {
	records := make([]FeeRecord, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		r, err := normalizeFeeRecord(raw)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	return records, skipped
}

// normalizeFeeRecord is the one place that knows every shape a fee record
// has had on the wire. Unparseable amounts read as zero and an unreadable due
// date reads as unknown.
func normalizeFeeRecord(raw map[string]any) (FeeRecord, error) {
	var r FeeRecord

	nested, _ := raw["student"].(map[string]any)
	r.StudentID = firstString(raw, "student_id")
	if r.StudentID == "" {
		r.StudentID = firstString(nested, "student_id", "id")
	}
	if r.StudentID == "" {
		return FeeRecord{}, errors.New("fee record without student_id")
	}

	month, ok := parseMonthField(firstString(raw, feeMonthKeys...))
	if !ok {
		return FeeRecord{}, fmt.Errorf("fee record for %s without a valid fee_month", r.StudentID)
	}
	r.FeeMonth = month

	r.HostelID = firstString(raw, "hostel_id")
	r.TotalDue = core.ParseAmount(firstValue(raw, totalDueKeys...))
	r.AmountPaid = core.ParseAmount(firstValue(raw, amountPaidKeys...))
	if r.AmountPaid.Cents < 0 {
		r.AmountPaid = core.Money{}
	}
	if d, err := core.ParseDate(firstString(raw, dueDateKeys...)); err == nil {
		r.DueDate = d
	}
	r.Version = parseInt(raw["version"])
	if s, ok := core.NormalizeStatus(firstString(raw, "status", "payment_status")); ok {
		r.ReportedStatus = s
	}

	src := nested
	if src == nil {
		src = raw
	}
	r.Student = core.Student{
		ID:          r.StudentID,
		HostelID:    r.HostelID,
		FirstName:   firstString(src, "first_name"),
		LastName:    firstString(src, "last_name"),
		RoomNumber:  firstString(src, "room_number", "room"),
		Phone:       firstString(src, "phone", "phone_number"),
		MonthlyRent: core.ParseAmount(firstValue(src, "monthly_rent")),
		Active:      true,
	}
	return r, nil
}

// parseMonthField accepts "YYYY-MM" and full dates, which older servers sent.
func parseMonthField(s string) (core.FeeMonth, bool) {
	if m, err := core.ParseFeeMonth(s); err == nil {
		return m, true
	}
	if d, err := core.ParseDate(s); err == nil {
		return core.MonthOf(d.Time), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return core.MonthOf(t), true
	}
	return core.FeeMonth{}, false
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	switch v := firstValue(m, keys...).(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func parseInt(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
