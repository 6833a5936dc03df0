package store

import (
	"context"
	"fmt"
	"time"

	"checkout-engine/internal/models"
)

const lockColumns = `id, intent_id, target_kind, target_id, quantity_locked, status, order_id, expires_at, created_at, updated_at`

// intentNotConverted keeps lock releases away from intents that already settled
const intentNotConverted = `NOT EXISTS (
	SELECT 1 FROM order_intents i WHERE i.id = l.intent_id AND i.status = 'CONVERTED')`

// CreateLock records a reservation whose stock was already taken
func (s *Store) CreateLock(ctx context.Context, lock *models.InventoryLock) error {
	query := `
		INSERT INTO inventory_locks (` + lockColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		lock.ID, lock.IntentID, lock.TargetKind, lock.TargetID, lock.QuantityLocked,
		lock.Status, lock.OrderID, lock.ExpiresAt, lock.CreatedAt, lock.UpdatedAt)
	return err
}

// GetLock retrieves a lock by ID
func (s *Store) GetLock(ctx context.Context, id string) (*models.InventoryLock, error) {
	if !validID(id) {
		return nil, models.ErrNotFound
	}
	var lock models.InventoryLock
	err := s.db.GetContext(ctx, &lock, "SELECT "+lockColumns+" FROM inventory_locks WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &lock, nil
}

// ListLocksByIntent retrieves every lock of an intent in reservation order
func (s *Store) ListLocksByIntent(ctx context.Context, intentID string) ([]models.InventoryLock, error) {
	var locks []models.InventoryLock
	err := s.db.SelectContext(ctx, &locks,
		"SELECT "+lockColumns+" FROM inventory_locks WHERE intent_id = $1 ORDER BY target_kind, target_id",
		intentID)
	return locks, err
}

// ReleaseLock flips the lock and gives its units back in one statement
func (s *Store) ReleaseLock(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		WITH released AS (
			UPDATE inventory_locks l
			SET status = 'RELEASED', updated_at = $2
			WHERE l.id = $1 AND l.status = 'LOCKED' AND ` + intentNotConverted + `
			RETURNING l.target_kind, l.target_id, l.quantity_locked
		), restored_products AS (
			UPDATE products p SET stock = p.stock + r.quantity_locked
			FROM released r
			WHERE r.target_kind = 'product' AND p.id = r.target_id
			RETURNING p.id
		), restored_variants AS (
			UPDATE product_variants v SET stock = v.stock + r.quantity_locked
			FROM released r
			WHERE r.target_kind = 'variant' AND v.id = r.target_id
			RETURNING v.id
		)
		SELECT COUNT(*) FROM released`

	var n int
	if err := s.db.GetContext(ctx, &n, query, id, now); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConvertLock marks a lock as consumed by an order
func (s *Store) ConvertLock(ctx context.Context, id, orderID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE inventory_locks SET status = 'CONVERTED', order_id = $2, updated_at = $3 WHERE id = $1 AND status = 'LOCKED'",
		id, orderID, now)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

// ListLapsedLocks lists held locks past their expiry, oldest first
func (s *Store) ListLapsedLocks(ctx context.Context, target *models.Target, now time.Time, limit int) ([]models.InventoryLock, error) {
	query := "SELECT " + lockColumns + ` FROM inventory_locks l
		WHERE l.status = 'LOCKED' AND l.expires_at <= $1 AND ` + intentNotConverted
	args := []interface{}{now}

	if target != nil {
		query += " AND l.target_kind = $2 AND l.target_id = $3"
		args = append(args, target.Kind, target.ID)
	}
	query += " ORDER BY l.expires_at"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var locks []models.InventoryLock
	err := s.db.SelectContext(ctx, &locks, query, args...)
	return locks, err
}
