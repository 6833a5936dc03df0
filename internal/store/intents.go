package store

import (
	"context"
	"fmt"
	"time"

	"checkout-engine/internal/models"
)

const intentColumns = `id, intent_number, user_id, status, cart_snapshot, subtotal, discount_amount, tax_amount,
	shipping_charge, total_amount, currency, discount_id, discount_code, shipping_address_id,
	billing_address_id, metadata, gateway_order_id, payment_id, expires_at, created_at, updated_at`

// CreateIntent creates a new order intent
func (s *Store) CreateIntent(ctx context.Context, intent *models.OrderIntent) error {
	query := `
		INSERT INTO order_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := s.db.ExecContext(ctx, query,
		intent.ID, intent.IntentNumber, intent.UserID, intent.Status, intent.CartSnapshot,
		intent.Subtotal, intent.DiscountAmount, intent.TaxAmount, intent.ShippingCharge, intent.TotalAmount,
		intent.Currency, intent.DiscountID, intent.DiscountCode, intent.ShippingAddressID,
		intent.BillingAddressID, intent.Metadata, intent.GatewayOrderID, intent.PaymentID,
		intent.ExpiresAt, intent.CreatedAt, intent.UpdatedAt)
	return err
}

// GetIntent retrieves an intent by ID
func (s *Store) GetIntent(ctx context.Context, id string) (*models.OrderIntent, error) {
	if !validID(id) {
		return nil, models.ErrNotFound
	}
	var intent models.OrderIntent
	err := s.db.GetContext(ctx, &intent, "SELECT "+intentColumns+" FROM order_intents WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &intent, nil
}

// GetIntentByGatewayOrderID retrieves the intent a gateway order was opened for
func (s *Store) GetIntentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.OrderIntent, error) {
	var intent models.OrderIntent
	err := s.db.GetContext(ctx, &intent,
		"SELECT "+intentColumns+" FROM order_intents WHERE gateway_order_id = $1", gatewayOrderID)
	if err != nil {
		return nil, notFound(err)
	}
	return &intent, nil
}

// ListIntentsByUser retrieves a user's intents, newest first
func (s *Store) ListIntentsByUser(ctx context.Context, userID int64, limit int) ([]models.OrderIntent, error) {
	var intents []models.OrderIntent
	err := s.db.SelectContext(ctx, &intents,
		"SELECT "+intentColumns+" FROM order_intents WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	return intents, err
}

// ListLapsedIntents retrieves open intents past their expiry, oldest first
func (s *Store) ListLapsedIntents(ctx context.Context, now time.Time, limit int) ([]models.OrderIntent, error) {
	query := "SELECT " + intentColumns + " FROM order_intents WHERE status = 'INTENT_CREATED' AND expires_at <= $1 ORDER BY expires_at"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var intents []models.OrderIntent
	err := s.db.SelectContext(ctx, &intents, query, now)
	return intents, err
}

// CancelIntent swaps INTENT_CREATED for CANCELLED while the intent is still live
func (s *Store) CancelIntent(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE order_intents SET status = 'CANCELLED', updated_at = $2 WHERE id = $1 AND status = 'INTENT_CREATED' AND expires_at > $2",
		id, now)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// ExpireIntent swaps INTENT_CREATED for EXPIRED once the intent has lapsed
func (s *Store) ExpireIntent(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE order_intents SET status = 'EXPIRED', updated_at = $2 WHERE id = $1 AND status = 'INTENT_CREATED' AND expires_at <= $2",
		id, now)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// SetGatewayOrderID records the gateway order once and returns whichever value is stored
func (s *Store) SetGatewayOrderID(ctx context.Context, id, gatewayOrderID string, now time.Time) (string, error) {
	var stored string
	err := s.db.GetContext(ctx, &stored, `
		UPDATE order_intents
		SET gateway_order_id = COALESCE(gateway_order_id, $2),
		    updated_at = CASE WHEN gateway_order_id IS NULL THEN $3 ELSE updated_at END
		WHERE id = $1
		RETURNING gateway_order_id`,
		id, gatewayOrderID, now)
	if err != nil {
		return "", notFound(err)
	}
	return stored, nil
}
