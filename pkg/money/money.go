// Package money converts between minor-unit integers used for storage and
// decimal strings used at the API edge.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const minorUnitExponent = 2

// Format renders cents as a fixed two-decimal string ("123.45").
func Format(cents int64) string {
	return decimal.NewFromInt(cents).Shift(-minorUnitExponent).StringFixed(minorUnitExponent)
}

// ParseAmount converts a decimal major-unit string into cents. Fractions
// finer than one cent are rejected rather than rounded.
func ParseAmount(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	shifted := d.Shift(minorUnitExponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has sub-cent precision", value)
	}
	return shifted.IntPart(), nil
}

// Amount is the JSON shape for monetary values returned by the API.
type Amount struct {
	Cents     int64  `json:"cents"`
	Formatted string `json:"formatted"`
	Currency  string `json:"currency,omitempty"`
}

// NewAmount pairs the raw cents with their display form.
func NewAmount(cents int64, currency string) Amount {
	return Amount{Cents: cents, Formatted: Format(cents), Currency: currency}
}
