package client

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feeledger/internal/core"
)

func decodeRecord(t *testing.T, body string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	require.NoError(t, dec.Decode(&raw))
	return raw
}

func TestNormalizeFeeRecordCurrentShape(t *testing.T) {
	raw := decodeRecord(t, `{
		"student_id": "s1", "hostel_id": "h1", "fee_month": "2024-01",
		"total_due": "500.00", "amount_paid": "200.00", "due_date": "2024-01-05",
		"version": 3, "status": "Partial",
		"student": {"student_id": "s1", "first_name": "Asha", "last_name": "K", "room_number": "12", "phone": "555", "monthly_rent": "500.00"}
	}`)

	r, err := normalizeFeeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "s1", r.StudentID)
	assert.Equal(t, core.MustParseFeeMonth("2024-01"), r.FeeMonth)
	assert.Equal(t, core.Cents(50000), r.TotalDue)
	assert.Equal(t, core.Cents(20000), r.AmountPaid)
	assert.Equal(t, core.NewDate(2024, 1, 5), r.DueDate)
	assert.EqualValues(t, 3, r.Version)
	assert.Equal(t, core.StatusPartial, r.ReportedStatus)
	assert.Equal(t, "Asha K", r.Student.FullName())
	assert.Equal(t, "12", r.Student.RoomNumber)
}

func TestNormalizeFeeRecordLegacyShapes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantDue    int64
		wantPaid   int64
		wantMonth  string
		wantStatus core.Status
	}{
		{
			name:       "total_amount and paid as numbers",
			body:       `{"student_id": "s1", "month": "2024-02", "total_amount": 450, "paid": 450, "status": "Fully Paid"}`,
			wantDue:    45000,
			wantPaid:   45000,
			wantMonth:  "2024-02",
			wantStatus: core.StatusPaid,
		},
		{
			name:       "monthly_rent fallback and paid_amount string",
			body:       `{"student_id": 17, "fee_month": "2024-03-01", "monthly_rent": "300", "paid_amount": "120.5", "status": "PENDING"}`,
			wantDue:    30000,
			wantPaid:   12050,
			wantMonth:  "2024-03",
			wantStatus: core.StatusUnpaid,
		},
		{
			name:      "empty total_due falls through to total_amount",
			body:      `{"student_id": "s1", "fee_month": "2024-04", "total_due": "", "total_amount": "200", "amount_paid": null}`,
			wantDue:   20000,
			wantPaid:  0,
			wantMonth: "2024-04",
		},
		{
			name:      "garbage amounts read as zero",
			body:      `{"student_id": "s1", "fee_month": "2024-05", "total_due": "NaN", "amount_paid": "abc", "status": "weird"}`,
			wantDue:   0,
			wantPaid:  0,
			wantMonth: "2024-05",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := normalizeFeeRecord(decodeRecord(t, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantDue, r.TotalDue.Cents)
			assert.Equal(t, tt.wantPaid, r.AmountPaid.Cents)
			assert.Equal(t, tt.wantMonth, r.FeeMonth.String())
			assert.Equal(t, tt.wantStatus, r.ReportedStatus)
			assert.True(t, r.DueDate.IsZero())
		})
	}
}

func TestNormalizeFeeRecordStatusAlwaysDerivable(t *testing.T) {
	r, err := normalizeFeeRecord(decodeRecord(t, `{"student_id": "s1", "fee_month": "2024-05", "total_due": "x", "due_date": "soon"}`))
	require.NoError(t, err)
	got := core.DeriveStatus(r.FeePeriod, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, got.IsValid())
}

func TestNormalizeFeeRecordRejectsMissingIdentity(t *testing.T) {
	_, err := normalizeFeeRecord(decodeRecord(t, `{"fee_month": "2024-01", "total_due": "5"}`))
	assert.Error(t, err)

	_, err = normalizeFeeRecord(decodeRecord(t, `{"student_id": "s1", "fee_month": "January"}`))
	assert.Error(t, err)

	records, skipped := normalizeFeeRecords([]map[string]any{
		decodeRecord(t, `{"student_id": "s1", "fee_month": "2024-01"}`),
		decodeRecord(t, `{"fee_month": "2024-01"}`),
	})
	assert.Len(t, records, 1)
	assert.Equal(t, 1, skipped)
}

func TestDecodeSummary(t *testing.T) {
	month := core.MustParseFeeMonth("2024-02")
	now := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	period, err := core.NewFeePeriod("s1", "h1", month, core.Cents(50000), core.NewDate(2024, 2, 5))
	require.NoError(t, err)
	summary := core.BuildMonthSummary("h1", month, []core.FeePeriod{period}, nil,
		map[string]core.Student{"s1": {ID: "s1", FirstName: "Asha"}}, now)
	body, err := json.Marshal(summary)
	require.NoError(t, err)

	data, err := decodeSummary(body)
	require.NoError(t, err)
	assert.Equal(t, month, data.FeeMonth)
	assert.Equal(t, "h1", data.HostelID)
	require.Len(t, data.Records, 1)
	assert.Equal(t, core.StatusOverdue, data.Records[0].ReportedStatus)
	assert.Equal(t, "Asha", data.Records[0].Student.FirstName)
	assert.Empty(t, data.Payments)

	_, err = decodeSummary([]byte(`{"fee_month": "bad"}`))
	assert.ErrorIs(t, err, core.ErrInvalidMonth)
}
