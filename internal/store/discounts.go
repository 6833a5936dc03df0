package store

import (
	"context"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

const discountColumns = `id, code, discount_type, value, min_cart_value, max_discount_amount, max_uses,
	used_count, valid_from, valid_until, active, locked_by_intent_id, locked_until`

// GetDiscountByCode retrieves a discount by its code
func (s *Store) GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d, "SELECT "+discountColumns+" FROM discounts WHERE code = $1", code)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// GetDiscount retrieves a discount by ID
func (s *Store) GetDiscount(ctx context.Context, id int64) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d, "SELECT "+discountColumns+" FROM discounts WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// LockDiscount takes the code in one conditional update
func (s *Store) LockDiscount(ctx context.Context, id int64, intentID string, until, now time.Time) (bool, error) {
	query := `
		UPDATE discounts
		SET locked_by_intent_id = $2, locked_until = $3
		WHERE id = $1
		  AND active
		  AND (max_uses IS NULL OR used_count < max_uses)
		  AND (locked_by_intent_id IS NULL OR locked_until IS NULL OR locked_until <= $4 OR locked_by_intent_id = $2)`

	res, err := s.db.ExecContext(ctx, query, id, intentID, until, now)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// UnlockDiscount clears the lock only when intentID holds it
func (s *Store) UnlockDiscount(ctx context.Context, id int64, intentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE discounts SET locked_by_intent_id = NULL, locked_until = NULL WHERE id = $1 AND locked_by_intent_id = $2",
		id, intentID)
	return err
}

// RedeemDiscount counts the intent's use once and drops its lock
func (s *Store) RedeemDiscount(ctx context.Context, id int64, intentID string, now time.Time) (bool, error) {
	var redeemed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO discount_redemptions (discount_id, intent_id, redeemed_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
			id, intentID, now)
		if err != nil {
			return err
		}
		if redeemed, err = rowsChanged(res); err != nil {
			return err
		}

		if redeemed {
			if _, err := tx.ExecContext(ctx,
				"UPDATE discounts SET used_count = used_count + 1 WHERE id = $1", id); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE discounts SET locked_by_intent_id = NULL, locked_until = NULL WHERE id = $1 AND locked_by_intent_id = $2",
			id, intentID)
		return err
	})
	if err != nil {
		return false, err
	}
	return redeemed, nil
}
