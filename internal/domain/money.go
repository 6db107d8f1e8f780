package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmountPlaces is the finest precision any supported coin uses
// (monero atomic units).
const MaxAmountPlaces = 12

// ParseAmount parses a strictly positive decimal string with at most
// MaxAmountPlaces fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q is not a decimal number", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be > 0")
	}
	if d.Exponent() < -MaxAmountPlaces && !d.Equal(d.Truncate(MaxAmountPlaces)) {
		return decimal.Zero, fmt.Errorf("amount must have at most %d decimal places", MaxAmountPlaces)
	}
	return d, nil
}

// AtomicUnits converts amount into an integer count of 10^-places units.
// It fails when amount is finer than the unit.
func AtomicUnits(amount decimal.Decimal, places int32) (decimal.Decimal, error) {
	shifted := amount.Shift(places)
	if !shifted.IsInteger() {
		return decimal.Zero, fmt.Errorf("amount %s has more than %d decimal places", amount, places)
	}
	return shifted, nil
}
