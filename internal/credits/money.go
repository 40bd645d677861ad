package credits

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are kept at two decimal places. Rounding is half away from zero
// (decimal.Round), never banker's rounding.
const moneyPlaces = 2

// RoundAmount rounds d to cents.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// FormatAmount renders d with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(moneyPlaces)
}

// positiveAmount rounds d and rejects anything that is not strictly positive afterwards.
func positiveAmount(d decimal.Decimal) (decimal.Decimal, error) {
	rounded := RoundAmount(d)
	if !rounded.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return rounded, nil
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
