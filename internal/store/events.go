package store

import (
	"context"

	"checkout-engine/internal/models"
)

// InsertAudit appends an audit entry
func (s *Store) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_logs (action, entity_type, entity_id, actor_id, old_values, new_values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	return s.db.GetContext(ctx, &entry.ID, query,
		entry.Action, entry.EntityType, entry.EntityID, entry.ActorID,
		entry.OldValues, entry.NewValues, entry.CreatedAt)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

// GetSettings returns every configuration value
func (s *Store) GetSettings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT key, value FROM settings"); err != nil {
		return nil, err
	}

	settings := make(map[string]string, len(rows))
	for _, r := range rows {
		settings[r.Key] = r.Value
	}
	return settings, nil
}

// ListPricingRules returns the active pricing rules
func (s *Store) ListPricingRules(ctx context.Context) ([]models.PricingRule, error) {
	var rules []models.PricingRule
	err := s.db.SelectContext(ctx, &rules, `
		SELECT id, name, kind, match_value, min_weight_grams, adjustment_type, value, priority, active
		FROM pricing_rules WHERE active ORDER BY id`)
	return rules, err
}
