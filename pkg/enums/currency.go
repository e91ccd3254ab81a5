package enums

import (
	"fmt"
	"strings"
)

// Currency is an ISO 4217 code. Amounts everywhere are int64 minor units of
// the order's currency, so only two-decimal currencies are accepted.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

func (c Currency) String() string {
	return string(c)
}

func (c Currency) IsValid() bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP:
		return true
	}
	return false
}

// ParseCurrency accepts any casing and surrounding whitespace.
func ParseCurrency(value string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(value)))
	if !c.IsValid() {
		return "", fmt.Errorf("unsupported currency %q", value)
	}
	return c, nil
}
