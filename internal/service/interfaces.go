package service

import (
	"context"
	"time"

	"checkout-engine/internal/models"
)

// CatalogRepository reads products and variants. Missing ids are simply absent from the result.
type CatalogRepository interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error)
}

// InventoryRepository owns durable stock and lock rows. Every stock mutation is
// a single conditional statement.
type InventoryRepository interface {
	// GetStock returns models.ErrNotFound for an unknown target.
	GetStock(ctx context.Context, target models.Target) (int, error)
	// ConditionalAdjustStock adds delta to stock. With requireFloorZero the
	// update is skipped and false returned when it would drive stock below zero.
	ConditionalAdjustStock(ctx context.Context, target models.Target, delta int, requireFloorZero bool) (bool, error)

	CreateLock(ctx context.Context, lock *models.InventoryLock) error
	GetLock(ctx context.Context, id string) (*models.InventoryLock, error)
	ListLocksByIntent(ctx context.Context, intentID string) ([]models.InventoryLock, error)
	// ReleaseLock moves a LOCKED lock to RELEASED and restores its stock in one
	// unit. It reports false when the lock was not LOCKED or its intent converted.
	ReleaseLock(ctx context.Context, id string, now time.Time) (bool, error)
	// ConvertLock moves a LOCKED lock to CONVERTED. Stock is untouched.
	ConvertLock(ctx context.Context, id, orderID string, now time.Time) (bool, error)
	// ListLapsedLocks returns LOCKED locks expired at now whose intent has not
	// converted. A nil target lists across all targets.
	ListLapsedLocks(ctx context.Context, target *models.Target, now time.Time, limit int) ([]models.InventoryLock, error)
}

// DiscountRepository is the discount registry with its lock fields.
type DiscountRepository interface {
	GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error)
	GetDiscount(ctx context.Context, id int64) (*models.Discount, error)
	// LockDiscount takes the code for intentID until the given time if it is
	// free, expired or already held by intentID, active and not exhausted.
	LockDiscount(ctx context.Context, id int64, intentID string, until, now time.Time) (bool, error)
	// UnlockDiscount clears the lock only if intentID holds it.
	UnlockDiscount(ctx context.Context, id int64, intentID string) error
	// RedeemDiscount records one use per (discount, intent), bumps the usage
	// counter and clears the intent's lock. It reports whether this call redeemed.
	RedeemDiscount(ctx context.Context, id int64, intentID string, now time.Time) (bool, error)
}

// IntentRepository persists order intents. Status changes are compare-and-swap.
type IntentRepository interface {
	CreateIntent(ctx context.Context, intent *models.OrderIntent) error
	GetIntent(ctx context.Context, id string) (*models.OrderIntent, error)
	GetIntentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.OrderIntent, error)
	ListIntentsByUser(ctx context.Context, userID int64, limit int) ([]models.OrderIntent, error)
	ListLapsedIntents(ctx context.Context, now time.Time, limit int) ([]models.OrderIntent, error)
	// CancelIntent succeeds only for INTENT_CREATED intents not yet expired at now.
	CancelIntent(ctx context.Context, id string, now time.Time) (bool, error)
	// ExpireIntent succeeds only for INTENT_CREATED intents expired at now.
	ExpireIntent(ctx context.Context, id string, now time.Time) (bool, error)
	// SetGatewayOrderID records the gateway order once and returns the stored value.
	SetGatewayOrderID(ctx context.Context, id, gatewayOrderID string, now time.Time) (string, error)
}

// OrderRepository persists orders.
type OrderRepository interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// GetOrderByIntentID returns nil without error when no order exists.
	GetOrderByIntentID(ctx context.Context, intentID string) (*models.Order, error)
	// SettleIntent inserts the order with its items and moves the intent to
	// CONVERTED in one transaction. An existing order for the intent is
	// returned with created=false.
	SettleIntent(ctx context.Context, order *models.Order, now time.Time) (*models.Order, bool, error)
}

// AuditRepository is the append-only audit sink.
type AuditRepository interface {
	InsertAudit(ctx context.Context, entry *models.AuditEntry) error
}

// EventRepository tracks consumed events for at-least-once intake.
type EventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Repository is everything the checkout services need from storage.
type Repository interface {
	CatalogRepository
	InventoryRepository
	DiscountRepository
	IntentRepository
	OrderRepository
	AuditRepository
	EventRepository
}

// SettingsSource yields the current pricing configuration.
type SettingsSource interface {
	Snapshot(ctx context.Context) (models.Settings, error)
}

// EventPublisher publishes intent lifecycle events.
type EventPublisher interface {
	PublishIntentEvent(ctx context.Context, event *models.IntentEvent) error
}

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	UserID int64
	Admin  bool
}

// owns reports whether the actor may see an intent or order of userID
func (a Actor) owns(userID int64) bool {
	return a.Admin || a.UserID == userID
}

func (a Actor) id() *int64 {
	if a.UserID == 0 {
		return nil
	}
	id := a.UserID
	return &id
}
