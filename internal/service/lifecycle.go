package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// lifecycle holds what every intent transition needs: releasing resources,
// the EXPIRED normalization and lifecycle side effects.
type lifecycle struct {
	intents   IntentRepository
	inventory InventoryRepository
	ledger    *Ledger
	locker    *DiscountLocker
	publisher EventPublisher
	audit     *AuditLogger
	logger    *zap.Logger
	now       func() time.Time
}

func (lc *lifecycle) loadIntent(ctx context.Context, id string) (*models.OrderIntent, error) {
	intent, err := lc.intents.GetIntent(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewIntentNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load intent %s: %w", id, err)
	}
	return intent, nil
}

// normalize presents a lapsed intent as EXPIRED. Exactly one caller wins the
// status swap and releases the intent's locks. It reports whether this call won.
func (lc *lifecycle) normalize(ctx context.Context, intent *models.OrderIntent, path string) bool {
	now := lc.now()
	if !intent.Lapsed(now) {
		return false
	}

	won, err := lc.intents.ExpireIntent(ctx, intent.ID, now)
	intent.Status = models.IntentStatusExpired
	if err != nil {
		lc.logger.Error("Failed to persist intent expiry",
			zap.String("intent_id", intent.ID),
			zap.Error(err))
		return false
	}
	if !won {
		return false
	}
	intent.UpdatedAt = now

	if err := lc.releaseResources(ctx, intent); err != nil {
		lc.logger.Error("Failed to release resources of expired intent",
			zap.String("intent_id", intent.ID),
			zap.Error(err))
	}

	util.IntentsExpiredTotal.WithLabelValues(path).Inc()
	lc.audit.Record(ctx, AuditIntentExpired, "order_intent", intent.ID, nil,
		models.Metadata{"status": string(models.IntentStatusCreated)},
		models.Metadata{"status": string(models.IntentStatusExpired), "path": path})
	lc.publish(ctx, intent, models.EventTypeIntentExpired, "", path)

	return true
}

// releaseResources releases every held lock and the discount lock of an intent
func (lc *lifecycle) releaseResources(ctx context.Context, intent *models.OrderIntent) error {
	ctx = context.WithoutCancel(ctx)

	locks, err := lc.inventory.ListLocksByIntent(ctx, intent.ID)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	var errs []error
	for _, lock := range locks {
		if lock.Status != models.LockStatusLocked {
			continue
		}
		if err := lc.ledger.release(ctx, lock.ID, "intent"); err != nil {
			errs = append(errs, err)
		}
	}

	if intent.DiscountID != nil {
		if err := lc.locker.Unlock(ctx, *intent.DiscountID, intent.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (lc *lifecycle) publish(ctx context.Context, intent *models.OrderIntent, eventType, orderID, reason string) {
	if lc.publisher == nil {
		return
	}

	event := &models.IntentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: lc.now(),
		},
		IntentID:     intent.ID,
		IntentNumber: intent.IntentNumber,
		UserID:       intent.UserID,
		Status:       intent.Status,
		TotalAmount:  intent.TotalAmount,
		Currency:     intent.Currency,
		OrderID:      orderID,
		Reason:       reason,
	}

	if err := lc.publisher.PublishIntentEvent(context.WithoutCancel(ctx), event); err != nil {
		lc.logger.Error("Failed to publish intent event",
			zap.String("event_type", eventType),
			zap.String("intent_id", intent.ID),
			zap.Error(err))
	}
}
