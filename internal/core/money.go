// Package core provides the fee ledger domain: money, fee months, fee periods,
// payments, the status engine and the payment application engine.
//
// This file contains functions for parsing monetary amounts from strings and
// transport values, and for converting between cents and decimal representations.
package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units (cents). All ledger arithmetic is done on
// Cents; decimal values only appear at the wire boundary.
type Money struct {
	Cents int64
}

// maxAbsCents bounds values accepted from the transport so that sums of a few
// thousand periods cannot overflow int64.
const maxAbsCents = int64(1e15)

var hundred = decimal.NewFromInt(100)

// Cents builds a Money from a cent count.
func Cents(c int64) Money {
	return Money{Cents: c}
}

// FromDecimal converts a decimal amount to Money, rounding half away from zero
// on the third decimal place.
func FromDecimal(d decimal.Decimal) Money {
	return Money{Cents: d.Mul(hundred).Round(0).IntPart()}
}

// Decimal returns the amount as a decimal with two places.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount as a plain decimal string ("500.00").
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }

func (m Money) IsZero() bool     { return m.Cents == 0 }
func (m Money) IsPositive() bool { return m.Cents > 0 }

// LessThan reports whether m < o.
func (m Money) LessThan(o Money) bool { return m.Cents < o.Cents }

// MinMoney returns the smaller of a and b.
func MinMoney(a, b Money) Money {
	if a.Cents < b.Cents {
		return a
	}
	return b
}

// MaxMoney returns the larger of a and b.
func MaxMoney(a, b Money) Money {
	if a.Cents > b.Cents {
		return a
	}
	return b
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// MarshalJSON writes the amount as a decimal string so no float rounding
// happens on the wire.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts a decimal string or a JSON number. Unlike ParseAmount it
// fails on malformed input, because request bodies must be rejected rather than
// read as zero.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*m = Money{}
		return nil
	}
	s = strings.Trim(s, `"`)
	d, err := decimal.NewFromString(normalizeSeparators(s))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	v := FromDecimal(d)
	if abs(v.Cents) > maxAbsCents {
		return fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	*m = v
	return nil
}

// ParseAmount reads an amount field as it arrives from the transport layer:
// string, JSON number, Go number or nil. Anything unparseable, missing or
// non-finite is read as zero so it can never poison a comparison.
func ParseAmount(v any) Money {
	var (
		d   decimal.Decimal
		err error
	)
	switch t := v.(type) {
	case nil:
		return Money{}
	case Money:
		return t
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return Money{}
		}
		d, err = decimal.NewFromString(normalizeSeparators(t))
	case json.Number:
		d, err = decimal.NewFromString(t.String())
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Money{}
		}
		d = decimal.NewFromFloat(t)
	case float32:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Money{}
		}
		d = decimal.NewFromFloat32(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int32:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	case uint:
		d, err = decimal.NewFromString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		d, err = decimal.NewFromString(strconv.FormatUint(t, 10))
	default:
		return Money{}
	}
	if err != nil {
		return Money{}
	}
	if d.Abs().GreaterThan(decimal.NewFromInt(maxAbsCents / 100)) {
		return Money{}
	}
	return FromDecimal(d)
}

// ParseStrictAmount parses an operator-typed amount. Only digits and one dot
// or comma separator are accepted, so signs, exponents and grouping fail
// with ErrInvalidAmount. Sub-cent digits round half-up and the result must
// be positive.
func ParseStrictAmount(s string) (Money, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || s == "." || strings.Count(s, ".") > 1 || strings.Trim(s, "0123456789.") != "" {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	d, err := decimal.NewFromString(strings.TrimSuffix(s, "."))
	if err != nil || d.GreaterThan(decimal.NewFromInt(maxAbsCents/100)) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	m := FromDecimal(d)
	if err := m.Validate(); err != nil {
		return Money{}, fmt.Errorf("%w: %q", err, s)
	}
	return m, nil
}

// normalizeSeparators reads a lone comma as the decimal separator ("12,50") and
// drops commas used as thousands separators when a dot is present ("1,250.00").
func normalizeSeparators(s string) string {
	if strings.Contains(s, ".") {
		return strings.ReplaceAll(s, ",", "")
	}
	return strings.ReplaceAll(s, ",", ".")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
