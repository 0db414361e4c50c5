package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are persisted as int64 minor units (cents). Decimal is only used at the edges.
const scale = 2

var (
	// ErrInvalidAmount is returned when an amount cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrTooPrecise is returned when an amount carries more than two fractional digits.
	ErrTooPrecise = errors.New("amount has more than 2 decimal places")
)

var hundred = decimal.NewFromInt(100)

// ToDecimal converts minor units to a decimal amount.
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -scale)
}

// Format renders minor units as a fixed two-place decimal string, e.g. 2500 -> "25.00".
func Format(minor int64) string {
	return ToDecimal(minor).StringFixed(scale)
}

// FromDecimal converts a decimal amount into minor units.
func FromDecimal(d decimal.Decimal) (int64, error) {
	scaled := d.Mul(hundred)
	if !scaled.IsInteger() {
		return 0, ErrTooPrecise
	}
	return scaled.IntPart(), nil
}

// Parse reads a decimal string ("25", "25.5", "25.50") into minor units.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}
