package pricing

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"checkout-engine/internal/models"
)

// Discount rejection reasons
const (
	ReasonInactive       = "inactive"
	ReasonNotYetValid    = "not_yet_valid"
	ReasonExpired        = "expired"
	ReasonUsageExhausted = "usage_exhausted"
	ReasonBelowMinimum   = "below_minimum_cart_value"
	ReasonLockedByOther  = "locked_by_other"
)

// CheckDiscount returns every reason the discount cannot be used against the
// subtotal at now. An empty slice means the code is applicable.
func CheckDiscount(d *models.Discount, subtotal decimal.Decimal, now time.Time) []string {
	var reasons []string
	if !d.Active {
		reasons = append(reasons, ReasonInactive)
	}
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		reasons = append(reasons, ReasonNotYetValid)
	}
	if d.ValidUntil != nil && !now.Before(*d.ValidUntil) {
		reasons = append(reasons, ReasonExpired)
	}
	if d.Exhausted() {
		reasons = append(reasons, ReasonUsageExhausted)
	}
	if subtotal.LessThan(d.MinCartValue) {
		reasons = append(reasons, ReasonBelowMinimum)
	}
	return reasons
}

// DiscountAmount computes the rounded amount a valid discount takes off the
// subtotal. It never exceeds the subtotal or the configured cap.
func DiscountAmount(d *models.Discount, subtotal decimal.Decimal, method models.RoundingMethod) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch d.Type {
	case models.DiscountPercentage:
		amount = Round(subtotal.Mul(d.Value).Div(hundred), method)
		if d.MaxDiscountAmount.Valid {
			amount = decimal.Min(amount, d.MaxDiscountAmount.Decimal)
		}
	case models.DiscountFlat:
		amount = d.Value
	default:
		return zero, errors.Errorf("discount %q: unsupported type %q", d.Code, d.Type)
	}
	amount = decimal.Min(floorAtZero(amount), subtotal)
	return Round(amount, method), nil
}
