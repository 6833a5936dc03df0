package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Setting keys read from the configuration collaborator
const (
	SettingTaxPercentage         = "tax_percentage"
	SettingFreeShippingThreshold = "free_shipping_threshold"
	SettingShippingCharge        = "shipping_charge"
	SettingPriceRoundingMethod   = "price_rounding_method"
	SettingLockDurationMinutes   = "inventory_lock_duration_minutes"
	SettingCheckoutEnabled       = "checkout_enabled"
	SettingMaintenanceMode       = "maintenance_mode"
	SettingCurrency              = "currency"
)

// RoundingMethod is the monetary rounding policy
type RoundingMethod string

const (
	RoundNearest RoundingMethod = "round"
	RoundFloor   RoundingMethod = "floor"
	RoundCeil    RoundingMethod = "ceil"
)

// Settings is a typed snapshot of the pricing configuration
type Settings struct {
	TaxPercentage         decimal.Decimal `json:"tax_percentage"`
	FreeShippingThreshold decimal.Decimal `json:"free_shipping_threshold"`
	ShippingCharge        decimal.Decimal `json:"shipping_charge"`
	RoundingMethod        RoundingMethod  `json:"price_rounding_method"`
	LockDuration          time.Duration   `json:"inventory_lock_duration"`
	CheckoutEnabled       bool            `json:"checkout_enabled"`
	MaintenanceMode       bool            `json:"maintenance_mode"`
	Currency              string          `json:"currency"`
	Rules                 []PricingRule   `json:"rules,omitempty"`
}

// CheckoutOpen reports whether new checkouts may start
func (s Settings) CheckoutOpen() bool {
	return s.CheckoutEnabled && !s.MaintenanceMode
}

// RuleKind selects the product attribute a pricing rule matches on
type RuleKind string

const (
	RuleMetalType RuleKind = "metal_type"
	RuleCategory  RuleKind = "category"
	RuleWeight    RuleKind = "weight"
)

// RuleKinds is the order in which winning rules are applied to a unit price
var RuleKinds = []RuleKind{RuleMetalType, RuleCategory, RuleWeight}

// AdjustmentType selects how a rule value changes a price
type AdjustmentType string

const (
	AdjustPercentage AdjustmentType = "percentage"
	AdjustFlat       AdjustmentType = "flat"
)

// PricingRule is an externally configured markup (positive) or markdown (negative)
type PricingRule struct {
	ID             int64           `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Kind           RuleKind        `db:"kind" json:"kind"`
	MatchValue     string          `db:"match_value" json:"match_value,omitempty"`
	MinWeightGrams decimal.Decimal `db:"min_weight_grams" json:"min_weight_grams"`
	AdjustmentType AdjustmentType  `db:"adjustment_type" json:"adjustment_type"`
	Value          decimal.Decimal `db:"value" json:"value"`
	Priority       int             `db:"priority" json:"priority"`
	Active         bool            `db:"active" json:"active"`
}
