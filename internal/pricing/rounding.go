package pricing

import (
	"github.com/shopspring/decimal"

	"checkout-engine/internal/models"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Round applies the configured rounding policy. floor and ceil round to whole
// currency units; anything else rounds to two decimals, half away from zero.
// The result always carries two decimal places so equal values print equally.
func Round(d decimal.Decimal, method models.RoundingMethod) decimal.Decimal {
	switch method {
	case models.RoundFloor:
		d = d.Floor()
	case models.RoundCeil:
		d = d.Ceil()
	default:
		d = d.Round(2)
	}
	return d.Round(2)
}

// ToMinorUnits converts a currency amount to the integer minor units gateways expect.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
