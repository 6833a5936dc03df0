package store

import (
	"context"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, sku, name, category, metal_type, weight_grams, base_price, stock, active, created_at`

const variantColumns = `id, product_id, sku, size, color, finish, price, price_override, stock, active, created_at`

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetVariantsByIDs retrieves multiple variants by IDs
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	if len(ids) == 0 {
		return []models.Variant{}, nil
	}

	query, args, err := sqlx.In("SELECT "+variantColumns+" FROM product_variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var variants []models.Variant
	err = s.db.SelectContext(ctx, &variants, query, args...)
	return variants, err
}

// stockTable maps a target onto the table holding its stock counter
func stockTable(target models.Target) (string, error) {
	switch target.Kind {
	case models.TargetProduct:
		return "products", nil
	case models.TargetVariant:
		return "product_variants", nil
	default:
		return "", fmt.Errorf("unknown target kind %q", target.Kind)
	}
}

// GetStock returns the durable stock of a target
func (s *Store) GetStock(ctx context.Context, target models.Target) (int, error) {
	table, err := stockTable(target)
	if err != nil {
		return 0, err
	}

	var stock int
	err = s.db.GetContext(ctx, &stock, "SELECT stock FROM "+table+" WHERE id = $1", target.ID)
	if err != nil {
		return 0, notFound(err)
	}
	return stock, nil
}

// ConditionalAdjustStock is the only statement that changes stock outside a lock release
func (s *Store) ConditionalAdjustStock(ctx context.Context, target models.Target, delta int, requireFloorZero bool) (bool, error) {
	table, err := stockTable(target)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE "+table+" SET stock = stock + $1 WHERE id = $2 AND (NOT $3 OR stock + $1 >= 0)",
		delta, target.ID, requireFloorZero)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}
