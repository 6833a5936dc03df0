package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, intent_id, user_id, status, subtotal, discount_amount, tax_amount,
	shipping_charge, total_amount, currency, discount_code, shipping_address_id, billing_address_id,
	gateway_order_id, payment_id, created_at`

const orderItemColumns = `id, order_id, product_id, variant_id, sku, name, size, color, finish, quantity, unit_price, line_total`

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.db, "id", id)
}

// GetOrderByIntentID retrieves the order of an intent, or nil if none exists
func (s *Store) GetOrderByIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	order, err := getOrder(ctx, s.db, "intent_id", intentID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func getOrder(ctx context.Context, q queryer, column, value string) (*models.Order, error) {
	if !validID(value) {
		return nil, models.ErrNotFound
	}
	var order models.Order
	err := q.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE "+column+" = $1", value)
	if err != nil {
		return nil, notFound(err)
	}

	err = q.SelectContext(ctx, &order.Items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

// SettleIntent writes the order and converts the intent in one transaction.
// The intent row is locked first, so concurrent settlements serialize on it.
func (s *Store) SettleIntent(ctx context.Context, order *models.Order, now time.Time) (*models.Order, bool, error) {
	var (
		settled *models.Order
		created bool
	)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var intent models.OrderIntent
		err := tx.GetContext(ctx, &intent,
			"SELECT "+intentColumns+" FROM order_intents WHERE id = $1 FOR UPDATE", order.IntentID)
		if err != nil {
			if errors.Is(notFound(err), models.ErrNotFound) {
				return models.NewIntentNotFound(order.IntentID)
			}
			return err
		}

		existing, err := getOrder(ctx, tx, "intent_id", order.IntentID)
		if err == nil {
			settled = existing
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if intent.Lapsed(now) || intent.Status == models.IntentStatusExpired {
			return models.NewIntentExpired(intent.ID)
		}
		if !intent.Status.CanTransitionTo(models.IntentStatusConverted) {
			return models.NewIntentInvalidState(intent.ID, intent.Status, "convert")
		}

		order.CreatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			order.ID, order.OrderNumber, order.IntentID, order.UserID, order.Status,
			order.Subtotal, order.DiscountAmount, order.TaxAmount, order.ShippingCharge, order.TotalAmount,
			order.Currency, order.DiscountCode, order.ShippingAddressID, order.BillingAddressID,
			order.GatewayOrderID, order.PaymentID, order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			err := tx.GetContext(ctx, &item.ID, `
				INSERT INTO order_items (order_id, product_id, variant_id, sku, name, size, color, finish, quantity, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				RETURNING id`,
				item.OrderID, item.ProductID, item.VariantID, item.SKU, item.Name, item.Size,
				item.Color, item.Finish, item.Quantity, item.UnitPrice, item.LineTotal)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE order_intents SET status = 'CONVERTED', payment_id = $2, updated_at = $3 WHERE id = $1",
			intent.ID, order.PaymentID, now)
		if err != nil {
			return fmt.Errorf("failed to convert intent: %w", err)
		}

		settled = order
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return settled, created, nil
}
