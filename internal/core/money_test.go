package core

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrictAmount(t *testing.T) {
	cases := []struct {
		in  string
		out int64
		ok  bool
	}{
		{"1", 100, true},
		{"1.0", 100, true},
		{"1.23", 123, true},
		{"1,23", 123, true},
		{"0.01", 1, true},
		{".5", 50, true},
		{"7.", 700, true},
		{"1.005", 101, true}, // half-up rounding
		{" 2.50 ", 250, true},
		{"-1", 0, false},
		{"+5", 0, false},
		{"1e3", 0, false},
		{"1,250.00", 0, false},
		{"0", 0, false},
		{"0.004", 0, false},
		{"abc", 0, false},
		{"1.2.3", 0, false},
		{".", 0, false},
		{"", 0, false},
		{"١٢", 0, false},
		{"99999999999999999", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseStrictAmount(tc.in)
		if tc.ok {
			if err != nil || got.Cents != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got.Cents, err)
			}
		} else if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%q expected ErrInvalidAmount, got %v", tc.in, err)
		}
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int64
	}{
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"garbage", "five hundred", 0},
		{"plain string", "500", 50000},
		{"decimal string", "499.99", 49999},
		{"comma decimal", "12,50", 1250},
		{"thousands separator", "1,250.00", 125000},
		{"json number", json.Number("700.5"), 70050},
		{"float", 12.34, 1234},
		{"int", 300, 30000},
		{"int64", int64(7), 700},
		{"uint64", uint64(9), 900},
		{"NaN", math.NaN(), 0},
		{"Inf", math.Inf(1), 0},
		{"out of range", "1e30", 0},
		{"unsupported type", struct{}{}, 0},
		{"money passthrough", Cents(42), 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseAmount(tc.in).Cents)
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(Cents(50000))
	require.NoError(t, err)
	assert.JSONEq(t, `"500.00"`, string(b))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`"700.10"`), &m))
	assert.Equal(t, int64(70010), m.Cents)

	require.NoError(t, json.Unmarshal([]byte(`250`), &m))
	assert.Equal(t, int64(25000), m.Cents)

	err = json.Unmarshal([]byte(`"abc"`), &m)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMoneyArithmetic(t *testing.T) {
	a, b := Cents(700), Cents(500)
	assert.Equal(t, Cents(1200), a.Add(b))
	assert.Equal(t, Cents(200), a.Sub(b))
	assert.Equal(t, b, MinMoney(a, b))
	assert.Equal(t, a, MaxMoney(a, b))
	assert.True(t, b.LessThan(a))
	assert.Equal(t, "7.00", a.String())
	assert.True(t, decimal.RequireFromString("7").Equal(a.Decimal()))
	assert.Equal(t, Cents(1235), FromDecimal(decimal.RequireFromString("12.345")))
}

func TestMoneyValidate(t *testing.T) {
	assert.NoError(t, Cents(1).Validate())
	assert.ErrorIs(t, Cents(0).Validate(), ErrInvalidAmount)
	assert.ErrorIs(t, Cents(-100).Validate(), ErrInvalidAmount)
}
