package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TargetKind discriminates what an inventory target id refers to
type TargetKind string

const (
	TargetProduct TargetKind = "product"
	TargetVariant TargetKind = "variant"
)

// Target is the stock-carrying unit of a cart line: a variant, or a product
// that has no variants.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   int64      `json:"id"`
}

func ProductTarget(id int64) Target { return Target{Kind: TargetProduct, ID: id} }

func VariantTarget(id int64) Target { return Target{Kind: TargetVariant, ID: id} }

// Valid reports whether the target names a known kind and a positive id
func (t Target) Valid() bool {
	return (t.Kind == TargetProduct || t.Kind == TargetVariant) && t.ID > 0
}

// Less orders targets by kind, then id. Reservations are always taken in this order.
func (t Target) Less(o Target) bool {
	if t.Kind != o.Kind {
		return t.Kind < o.Kind
	}
	return t.ID < o.ID
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// Product represents a product in the catalog
type Product struct {
	ID          int64           `db:"id" json:"id"`
	SKU         string          `db:"sku" json:"sku"`
	Name        string          `db:"name" json:"name"`
	Category    string          `db:"category" json:"category"`
	MetalType   string          `db:"metal_type" json:"metal_type"`
	WeightGrams decimal.Decimal `db:"weight_grams" json:"weight_grams"`
	BasePrice   decimal.Decimal `db:"base_price" json:"base_price"`
	Stock       int             `db:"stock" json:"stock"`
	Active      bool            `db:"active" json:"active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Variant is a purchasable configuration of a product
type Variant struct {
	ID            int64               `db:"id" json:"id"`
	ProductID     int64               `db:"product_id" json:"product_id"`
	SKU           string              `db:"sku" json:"sku"`
	Size          string              `db:"size" json:"size"`
	Color         string              `db:"color" json:"color"`
	Finish        string              `db:"finish" json:"finish"`
	Price         decimal.NullDecimal `db:"price" json:"price"`
	PriceOverride decimal.NullDecimal `db:"price_override" json:"price_override"`
	Stock         int                 `db:"stock" json:"stock"`
	Active        bool                `db:"active" json:"active"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
}

// CartLine is one line of the cart handed over by the cart collaborator
type CartLine struct {
	ProductID int64           `json:"product_id" binding:"required"`
	VariantID *int64          `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Target returns the stock target the line reserves against
func (l CartLine) Target() Target {
	if l.VariantID != nil {
		return VariantTarget(*l.VariantID)
	}
	return ProductTarget(l.ProductID)
}

// SnapshotLine is a cart line frozen together with the catalog data it resolved to
type SnapshotLine struct {
	Target       Target          `json:"target"`
	ProductID    int64           `json:"product_id"`
	VariantID    *int64          `json:"variant_id,omitempty"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category,omitempty"`
	MetalType    string          `json:"metal_type,omitempty"`
	Size         string          `json:"size,omitempty"`
	Color        string          `json:"color,omitempty"`
	Finish       string          `json:"finish,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
	AppliedRules []string        `json:"applied_rules,omitempty"`
}

// CartSnapshot is stored as JSONB on the intent
type CartSnapshot struct {
	Lines      []SnapshotLine `json:"lines"`
	CapturedAt time.Time      `json:"captured_at"`
}

func (s CartSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *CartSnapshot) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// Metadata is a free-form JSONB document
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

// OrderIntent is a time-boxed, priced reservation of a cart awaiting payment
type OrderIntent struct {
	ID                string          `db:"id" json:"id"`
	IntentNumber      string          `db:"intent_number" json:"intent_number"`
	UserID            int64           `db:"user_id" json:"user_id"`
	Status            IntentStatus    `db:"status" json:"status"`
	CartSnapshot      CartSnapshot    `db:"cart_snapshot" json:"cart_snapshot"`
	Subtotal          decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount    decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TaxAmount         decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	ShippingCharge    decimal.Decimal `db:"shipping_charge" json:"shipping_charge"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency          string          `db:"currency" json:"currency"`
	DiscountID        *int64          `db:"discount_id" json:"discount_id,omitempty"`
	DiscountCode      *string         `db:"discount_code" json:"discount_code,omitempty"`
	ShippingAddressID *int64          `db:"shipping_address_id" json:"shipping_address_id,omitempty"`
	BillingAddressID  *int64          `db:"billing_address_id" json:"billing_address_id,omitempty"`
	Metadata          Metadata        `db:"metadata" json:"metadata,omitempty"`
	GatewayOrderID    *string         `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	PaymentID         *string         `db:"payment_id" json:"payment_id,omitempty"`
	ExpiresAt         time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Lapsed reports whether an open intent has passed its expiry
func (i *OrderIntent) Lapsed(now time.Time) bool {
	return i.Status == IntentStatusCreated && !now.Before(i.ExpiresAt)
}

// EffectiveStatus is the status every reader must see: an open intent past
// its expiry is EXPIRED even if the row has not been flipped yet.
func (i *OrderIntent) EffectiveStatus(now time.Time) IntentStatus {
	if i.Lapsed(now) {
		return IntentStatusExpired
	}
	return i.Status
}

// InventoryLock reserves units of one target for one intent line
type InventoryLock struct {
	ID             string     `db:"id" json:"id"`
	IntentID       string     `db:"intent_id" json:"intent_id"`
	TargetKind     TargetKind `db:"target_kind" json:"target_kind"`
	TargetID       int64      `db:"target_id" json:"target_id"`
	QuantityLocked int        `db:"quantity_locked" json:"quantity_locked"`
	Status         LockStatus `db:"status" json:"status"`
	OrderID        *string    `db:"order_id" json:"order_id,omitempty"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (l *InventoryLock) Target() Target {
	return Target{Kind: l.TargetKind, ID: l.TargetID}
}

// Lapsed reports whether a held lock is past its expiry
func (l *InventoryLock) Lapsed(now time.Time) bool {
	return l.Status == LockStatusLocked && !now.Before(l.ExpiresAt)
}

// DiscountType selects how a discount value is interpreted
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFlat       DiscountType = "flat"
)

// Discount is a code from the discount registry, with its exclusive lock fields
type Discount struct {
	ID                int64               `db:"id" json:"id"`
	Code              string              `db:"code" json:"code"`
	Type              DiscountType        `db:"discount_type" json:"discount_type"`
	Value             decimal.Decimal     `db:"value" json:"value"`
	MinCartValue      decimal.Decimal     `db:"min_cart_value" json:"min_cart_value"`
	MaxDiscountAmount decimal.NullDecimal `db:"max_discount_amount" json:"max_discount_amount"`
	MaxUses           *int                `db:"max_uses" json:"max_uses,omitempty"`
	UsedCount         int                 `db:"used_count" json:"used_count"`
	ValidFrom         *time.Time          `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil        *time.Time          `db:"valid_until" json:"valid_until,omitempty"`
	Active            bool                `db:"active" json:"active"`
	LockedByIntentID  *string             `db:"locked_by_intent_id" json:"-"`
	LockedUntil       *time.Time          `db:"locked_until" json:"-"`
}

// Exhausted reports whether the usage limit has been reached
func (d *Discount) Exhausted() bool {
	return d.MaxUses != nil && d.UsedCount >= *d.MaxUses
}

// LockHolder returns the intent holding a non-expired lock on the code, if any
func (d *Discount) LockHolder(now time.Time) (string, bool) {
	if d.LockedByIntentID == nil || d.LockedUntil == nil {
		return "", false
	}
	if !now.Before(*d.LockedUntil) {
		return "", false
	}
	return *d.LockedByIntentID, true
}

// Order is the durable, user-visible result of a settled intent
type Order struct {
	ID                string          `db:"id" json:"id"`
	OrderNumber       string          `db:"order_number" json:"order_number"`
	IntentID          string          `db:"intent_id" json:"intent_id"`
	UserID            int64           `db:"user_id" json:"user_id"`
	Status            string          `db:"status" json:"status"`
	Subtotal          decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount    decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TaxAmount         decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	ShippingCharge    decimal.Decimal `db:"shipping_charge" json:"shipping_charge"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency          string          `db:"currency" json:"currency"`
	DiscountCode      *string         `db:"discount_code" json:"discount_code,omitempty"`
	ShippingAddressID *int64          `db:"shipping_address_id" json:"shipping_address_id,omitempty"`
	BillingAddressID  *int64          `db:"billing_address_id" json:"billing_address_id,omitempty"`
	GatewayOrderID    *string         `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	PaymentID         *string         `db:"payment_id" json:"payment_id,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	Items             []OrderItem     `db:"-" json:"items"`
}

// OrderItem carries the variant attributes as they were at purchase time
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	VariantID *int64          `db:"variant_id" json:"variant_id,omitempty"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Size      string          `db:"size" json:"size,omitempty"`
	Color     string          `db:"color" json:"color,omitempty"`
	Finish    string          `db:"finish" json:"finish,omitempty"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal decimal.Decimal `db:"line_total" json:"line_total"`
}

const OrderStatusPlaced = "PLACED"

// AuditEntry is one append-only record of a state change
type AuditEntry struct {
	ID         int64     `db:"id" json:"id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	ActorID    *int64    `db:"actor_id" json:"actor_id,omitempty"`
	OldValues  Metadata  `db:"old_values" json:"old_values,omitempty"`
	NewValues  Metadata  `db:"new_values" json:"new_values,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
