package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/pricing"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// DiscountLocker grants one intent at a time exclusive use of a discount code
type DiscountLocker struct {
	repo   DiscountRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewDiscountLocker creates a new discount lock coordinator
func NewDiscountLocker(repo DiscountRepository) *DiscountLocker {
	return &DiscountLocker{
		repo:   repo,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Lock takes the code for intentID until the given time
func (d *DiscountLocker) Lock(ctx context.Context, discountID int64, intentID string, until time.Time) error {
	ctx, span := util.StartSpan(ctx, "DiscountLocker.Lock")
	defer span.End()

	now := d.now()
	ok, err := d.repo.LockDiscount(ctx, discountID, intentID, until, now)
	if err != nil {
		return fmt.Errorf("failed to lock discount %d: %w", discountID, err)
	}
	if ok {
		return nil
	}

	discount, err := d.repo.GetDiscount(ctx, discountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.NewDiscountInvalid(fmt.Sprint(discountID), models.MismatchNotFound)
		}
		return fmt.Errorf("failed to load discount %d: %w", discountID, err)
	}

	reasons := lockRefusalReasons(discount, intentID, now)
	for _, r := range reasons {
		util.DiscountLockFailedTotal.WithLabelValues(r).Inc()
	}
	return models.NewDiscountInvalid(discount.Code, reasons...)
}

func lockRefusalReasons(discount *models.Discount, intentID string, now time.Time) []string {
	var reasons []string
	if !discount.Active {
		reasons = append(reasons, pricing.ReasonInactive)
	}
	if discount.Exhausted() {
		reasons = append(reasons, pricing.ReasonUsageExhausted)
	}
	if holder, held := discount.LockHolder(now); held && holder != intentID {
		reasons = append(reasons, pricing.ReasonLockedByOther)
	}
	if len(reasons) == 0 {
		// the row changed between the refused update and this read
		reasons = append(reasons, pricing.ReasonLockedByOther)
	}
	return reasons
}

// Unlock clears the lock if intentID holds it. It never clears another intent's lock.
func (d *DiscountLocker) Unlock(ctx context.Context, discountID int64, intentID string) error {
	ctx, span := util.StartSpan(ctx, "DiscountLocker.Unlock")
	defer span.End()

	if err := d.repo.UnlockDiscount(ctx, discountID, intentID); err != nil {
		return fmt.Errorf("failed to unlock discount %d: %w", discountID, err)
	}
	return nil
}

// Redeem counts one use of the code by intentID and releases its lock.
// Repeated calls for the same intent count once.
func (d *DiscountLocker) Redeem(ctx context.Context, discountID int64, intentID string) error {
	ctx, span := util.StartSpan(ctx, "DiscountLocker.Redeem")
	defer span.End()

	redeemed, err := d.repo.RedeemDiscount(ctx, discountID, intentID, d.now())
	if err != nil {
		return fmt.Errorf("failed to redeem discount %d: %w", discountID, err)
	}
	if !redeemed {
		util.Ctx(ctx).Debug("Discount already redeemed",
			zap.Int64("discount_id", discountID),
			zap.String("intent_id", intentID))
	}
	return nil
}
