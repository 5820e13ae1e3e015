package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feeledger/internal/core"
)

// MessageVersion is bumped when PaymentRecordedMessage changes incompatibly.
const MessageVersion = 1

// PeriodSnapshot is a fee period as it stood right after the payment
// committed.
type PeriodSnapshot struct {
	FeeMonth   core.FeeMonth `json:"fee_month"`
	TotalDue   core.Money    `json:"total_due"`
	AmountPaid core.Money    `json:"amount_paid"`
	Version    int64         `json:"version"`
}

// PaymentRecordedMessage announces a committed payment. It carries enough for
// the audit worker to cross-check without a read, but consumers that need
// the truth reload the student's ledger.
type PaymentRecordedMessage struct {
	SchemaVersion int               `json:"schema_version"`
	PaymentID     string            `json:"payment_id"`
	StudentID     string            `json:"student_id"`
	HostelID      string            `json:"hostel_id"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Amount        core.Money        `json:"amount"`
	Allocations   []core.Allocation `json:"allocations"`
	Periods       []PeriodSnapshot  `json:"periods"`
	Timestamp     time.Time         `json:"timestamp"`
}

func NewPaymentRecordedMessage(p core.Payment, periods []core.FeePeriod) *PaymentRecordedMessage {
	snaps := make([]PeriodSnapshot, 0, len(periods))
	for _, fp := range periods {
		snaps = append(snaps, PeriodSnapshot{
			FeeMonth:   fp.FeeMonth,
			TotalDue:   fp.TotalDue,
			AmountPaid: fp.AmountPaid,
			Version:    fp.Version,
		})
	}
	return &PaymentRecordedMessage{
		SchemaVersion: MessageVersion,
		PaymentID:     p.ID,
		StudentID:     p.StudentID,
		HostelID:      p.HostelID,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		Allocations:   p.Allocations,
		Periods:       snaps,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks the message is internally consistent: identified, and its
// allocations add up to the amount received.
func (m *PaymentRecordedMessage) Validate() error {
	if m.PaymentID == "" || m.StudentID == "" {
		return errors.New("payment message without payment_id or student_id")
	}
	if m.SchemaVersion > MessageVersion {
		return fmt.Errorf("unsupported message schema version %d", m.SchemaVersion)
	}
	var total core.Money
	for _, a := range m.Allocations {
		total = total.Add(a.AppliedAmount)
	}
	if total != m.Amount {
		return fmt.Errorf("payment %s allocates %s of %s", m.PaymentID, total, m.Amount)
	}
	return nil
}

func (m *PaymentRecordedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func PaymentRecordedMessageFromJSON(data []byte) (*PaymentRecordedMessage, error) {
	var msg PaymentRecordedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
