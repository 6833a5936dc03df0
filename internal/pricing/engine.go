// Package pricing computes authoritative checkout totals from resolved cart
// lines, an optional discount and a settings snapshot. It has no side effects.
package pricing

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"checkout-engine/internal/models"
)

// Item is a cart line resolved against the catalog.
type Item struct {
	Product  *models.Product
	Variant  *models.Variant
	Quantity int
}

// Target returns the stock target the item reserves against.
func (i Item) Target() models.Target {
	if i.Variant != nil {
		return models.VariantTarget(i.Variant.ID)
	}
	return models.ProductTarget(i.Product.ID)
}

// Result is the priced cart.
type Result struct {
	Subtotal       decimal.Decimal       `json:"subtotal"`
	DiscountAmount decimal.Decimal       `json:"discount_amount"`
	TaxAmount      decimal.Decimal       `json:"tax_amount"`
	ShippingCharge decimal.Decimal       `json:"shipping_charge"`
	TotalAmount    decimal.Decimal       `json:"total_amount"`
	Currency       string                `json:"currency"`
	Lines          []models.SnapshotLine `json:"lines"`
	Breakdown      models.Metadata       `json:"breakdown"`
}

// Engine prices carts. The zero value is not usable; use NewEngine.
type Engine struct {
	now func() time.Time
}

// NewEngine creates a pricing engine reading the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// WithClock returns a copy of the engine that reads time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// BaseUnitPrice resolves variant override, then variant price, then product base price.
func BaseUnitPrice(product *models.Product, variant *models.Variant) decimal.Decimal {
	if variant != nil {
		if variant.PriceOverride.Valid {
			return variant.PriceOverride.Decimal
		}
		if variant.Price.Valid {
			return variant.Price.Decimal
		}
	}
	return product.BasePrice
}

// UnitPrice is the effective unit price after pricing rules, with the names of
// the rules applied in order.
func UnitPrice(product *models.Product, variant *models.Variant, s models.Settings) (decimal.Decimal, []string, error) {
	price := Round(BaseUnitPrice(product, variant), s.RoundingMethod)
	var applied []string
	for _, r := range winningRules(s.Rules, product) {
		var err error
		price, err = applyRule(price, r, s.RoundingMethod)
		if err != nil {
			return zero, nil, err
		}
		applied = append(applied, r.Name)
	}
	return price, applied, nil
}

// ValidateLines checks the shape of raw cart lines and reports every violation.
func ValidateLines(lines []models.CartLine) error {
	if len(lines) == 0 {
		return models.NewValidationError("cart is empty")
	}
	var violations []string
	seen := make(map[models.Target]int, len(lines))
	for i, l := range lines {
		if l.ProductID <= 0 {
			violations = append(violations, fmt.Sprintf("line %d: product_id must be positive", i))
		}
		if l.VariantID != nil && *l.VariantID <= 0 {
			violations = append(violations, fmt.Sprintf("line %d: variant_id must be positive", i))
		}
		if l.Quantity <= 0 {
			violations = append(violations, fmt.Sprintf("line %d: quantity must be positive", i))
		}
		if l.UnitPrice.IsNegative() {
			violations = append(violations, fmt.Sprintf("line %d: unit_price must not be negative", i))
		}
		if prev, ok := seen[l.Target()]; ok {
			violations = append(violations, fmt.Sprintf("line %d: duplicates line %d", i, prev))
		} else {
			seen[l.Target()] = i
		}
	}
	if len(violations) > 0 {
		return models.NewValidationError(violations...)
	}
	return nil
}

// Compute prices the items. A non-nil discount that fails any check yields a
// DiscountInvalid error listing every reason.
func (e *Engine) Compute(items []Item, discount *models.Discount, s models.Settings) (*Result, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}
	method := s.RoundingMethod

	res := &Result{
		Currency: s.Currency,
		Lines:    make([]models.SnapshotLine, 0, len(items)),
	}

	subtotal := zero
	for _, it := range items {
		unit, applied, err := UnitPrice(it.Product, it.Variant, s)
		if err != nil {
			return nil, errors.Wrap(err, "unit price")
		}
		lineTotal := Round(unit.Mul(decimal.NewFromInt(int64(it.Quantity))), method)
		subtotal = subtotal.Add(lineTotal)
		res.Lines = append(res.Lines, snapshotLine(it, unit, lineTotal, applied))
	}
	res.Subtotal = Round(subtotal, method)

	res.DiscountAmount = Round(zero, method)
	if discount != nil {
		if reasons := CheckDiscount(discount, res.Subtotal, e.now()); len(reasons) > 0 {
			return nil, models.NewDiscountInvalid(discount.Code, reasons...)
		}
		amount, err := DiscountAmount(discount, res.Subtotal, method)
		if err != nil {
			return nil, errors.Wrap(err, "discount")
		}
		res.DiscountAmount = amount
	}

	taxable := res.Subtotal.Sub(res.DiscountAmount)
	res.TaxAmount = Round(taxable.Mul(s.TaxPercentage).Div(hundred), method)

	if taxable.GreaterThanOrEqual(s.FreeShippingThreshold) {
		res.ShippingCharge = Round(zero, method)
	} else {
		res.ShippingCharge = Round(s.ShippingCharge, method)
	}

	res.TotalAmount = Round(floorAtZero(taxable.Add(res.TaxAmount).Add(res.ShippingCharge)), method)
	res.Breakdown = breakdown(res, discount, s)
	return res, nil
}

func validateItems(items []Item) error {
	if len(items) == 0 {
		return models.NewValidationError("cart is empty")
	}
	var violations []string
	for i, it := range items {
		if it.Product == nil {
			violations = append(violations, fmt.Sprintf("line %d: product is missing", i))
			continue
		}
		if it.Quantity <= 0 {
			violations = append(violations, fmt.Sprintf("line %d: quantity must be positive", i))
		}
		if BaseUnitPrice(it.Product, it.Variant).IsNegative() {
			violations = append(violations, fmt.Sprintf("line %d: price must not be negative", i))
		}
	}
	if len(violations) > 0 {
		return models.NewValidationError(violations...)
	}
	return nil
}

func snapshotLine(it Item, unit, lineTotal decimal.Decimal, applied []string) models.SnapshotLine {
	line := models.SnapshotLine{
		Target:       it.Target(),
		ProductID:    it.Product.ID,
		SKU:          it.Product.SKU,
		Name:         it.Product.Name,
		Category:     it.Product.Category,
		MetalType:    it.Product.MetalType,
		Quantity:     it.Quantity,
		UnitPrice:    unit,
		LineTotal:    lineTotal,
		AppliedRules: applied,
	}
	if v := it.Variant; v != nil {
		id := v.ID
		line.VariantID = &id
		if v.SKU != "" {
			line.SKU = v.SKU
		}
		line.Size = v.Size
		line.Color = v.Color
		line.Finish = v.Finish
	}
	return line
}

func breakdown(res *Result, discount *models.Discount, s models.Settings) models.Metadata {
	lines := make([]interface{}, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, map[string]interface{}{
			"target":        l.Target.String(),
			"unit_price":    l.UnitPrice.StringFixed(2),
			"quantity":      l.Quantity,
			"line_total":    l.LineTotal.StringFixed(2),
			"applied_rules": l.AppliedRules,
		})
	}
	m := models.Metadata{
		"lines":           lines,
		"rounding_method": string(s.RoundingMethod),
		"tax_percentage":  s.TaxPercentage.String(),
		"taxable_amount":  res.Subtotal.Sub(res.DiscountAmount).StringFixed(2),
		"free_shipping":   res.ShippingCharge.IsZero(),
	}
	if discount != nil {
		m["discount"] = map[string]interface{}{
			"code":   discount.Code,
			"type":   string(discount.Type),
			"value":  discount.Value.String(),
			"amount": res.DiscountAmount.StringFixed(2),
		}
	}
	return m
}
