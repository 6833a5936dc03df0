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

// Ledger reserves stock against targets. The durable stock counter is only
// ever changed through conditional updates in the repository.
type Ledger struct {
	repo   InventoryRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a new inventory reservation ledger
func NewLedger(repo InventoryRepository) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Reserve takes qty units of target for the intent until expiresAt
func (l *Ledger) Reserve(ctx context.Context, target models.Target, qty int, intentID string, expiresAt time.Time) (*models.InventoryLock, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if !target.Valid() || qty <= 0 {
		return nil, models.NewValidationError(fmt.Sprintf("cannot reserve %d of %s", qty, target))
	}

	ok, err := l.repo.ConditionalAdjustStock(ctx, target, -qty, true)
	if err != nil {
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to decrement stock for %s: %w", target, err)
	}

	if !ok {
		// lapsed locks still hold stock until someone releases them
		released, err := l.releaseLapsed(ctx, &target, 0)
		if err != nil {
			l.logger.Warn("Lazy release before retry failed",
				zap.String("target", target.String()),
				zap.Error(err))
		}
		if released > 0 {
			ok, err = l.repo.ConditionalAdjustStock(ctx, target, -qty, true)
			if err != nil {
				util.InventoryReservationsFailed.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("failed to decrement stock for %s: %w", target, err)
			}
		}
	}

	if !ok {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		available, err := l.repo.GetStock(ctx, target)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to read stock for %s: %w", target, err)
		}
		return nil, models.NewInsufficientStock(target, qty, available)
	}

	now := l.now()
	lock := &models.InventoryLock{
		ID:             uuid.New().String(),
		IntentID:       intentID,
		TargetKind:     target.Kind,
		TargetID:       target.ID,
		QuantityLocked: qty,
		Status:         models.LockStatusLocked,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.repo.CreateLock(ctx, lock); err != nil {
		util.InventoryReservationsFailed.WithLabelValues("lock_write").Inc()
		// stock is gone but nothing records why; put it back before surfacing
		if _, cerr := l.repo.ConditionalAdjustStock(context.WithoutCancel(ctx), target, qty, false); cerr != nil {
			l.logger.Error("Failed to restore stock after lock write failure",
				zap.String("target", target.String()),
				zap.Int("quantity", qty),
				zap.Error(cerr))
			return nil, errors.Join(fmt.Errorf("failed to record lock: %w", err), cerr)
		}
		return nil, fmt.Errorf("failed to record lock: %w", err)
	}

	util.Ctx(ctx).Debug("Stock reserved",
		zap.String("lock_id", lock.ID),
		zap.String("intent_id", intentID),
		zap.String("target", target.String()),
		zap.Int("quantity", qty))

	return lock, nil
}

// Release returns a lock's units to stock. Releasing a released lock is a no-op.
func (l *Ledger) Release(ctx context.Context, lockID string) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Release")
	defer span.End()

	return l.release(ctx, lockID, "explicit")
}

func (l *Ledger) release(ctx context.Context, lockID, path string) error {
	released, err := l.repo.ReleaseLock(ctx, lockID, l.now())
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockID, err)
	}
	if released {
		util.InventoryLocksReleasedTotal.WithLabelValues(path).Inc()
		return nil
	}

	lock, err := l.getLock(ctx, lockID)
	if err != nil {
		return err
	}

	switch lock.Status {
	case models.LockStatusReleased:
		return nil
	default:
		// CONVERTED, or still LOCKED because its intent has converted
		return models.NewInvalidLockState(lockID, lock.Status, "release")
	}
}

// Convert marks a lock as consumed by an order. Stock is not touched.
func (l *Ledger) Convert(ctx context.Context, lockID, orderID string) error {
	ctx, span := util.StartSpan(ctx, "Ledger.Convert")
	defer span.End()

	converted, err := l.repo.ConvertLock(ctx, lockID, orderID, l.now())
	if err != nil {
		return fmt.Errorf("failed to convert lock %s: %w", lockID, err)
	}
	if converted {
		util.InventoryLocksConvertedTotal.Inc()
		return nil
	}

	lock, err := l.getLock(ctx, lockID)
	if err != nil {
		return err
	}

	if lock.Status == models.LockStatusConverted && lock.OrderID != nil && *lock.OrderID == orderID {
		return nil
	}
	return models.NewInvalidLockState(lockID, lock.Status, "convert")
}

// AvailableStock is the durable stock plus every lapsed lock not yet released.
// Reading releases those lapsed locks.
func (l *Ledger) AvailableStock(ctx context.Context, target models.Target) (int, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.AvailableStock")
	defer span.End()

	if _, err := l.releaseLapsed(ctx, &target, 0); err != nil {
		l.logger.Warn("Lazy release failed",
			zap.String("target", target.String()),
			zap.Error(err))
	}

	stock, err := l.repo.GetStock(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("failed to read stock for %s: %w", target, err)
	}

	lapsed, err := l.repo.ListLapsedLocks(ctx, &target, l.now(), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed locks for %s: %w", target, err)
	}
	for _, lock := range lapsed {
		stock += lock.QuantityLocked
	}
	return stock, nil
}

// ReleaseExpired releases up to limit lapsed locks across all targets
func (l *Ledger) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.ReleaseExpired")
	defer span.End()

	return l.releaseLapsed(ctx, nil, limit)
}

func (l *Ledger) releaseLapsed(ctx context.Context, target *models.Target, limit int) (int, error) {
	lapsed, err := l.repo.ListLapsedLocks(ctx, target, l.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed locks: %w", err)
	}

	var errs []error
	released := 0
	for _, lock := range lapsed {
		ok, err := l.repo.ReleaseLock(ctx, lock.ID, l.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("lock %s: %w", lock.ID, err))
			continue
		}
		if ok {
			released++
			util.InventoryLocksReleasedTotal.WithLabelValues("lapsed").Inc()
		}
	}
	return released, errors.Join(errs...)
}

func (l *Ledger) getLock(ctx context.Context, lockID string) (*models.InventoryLock, error) {
	lock, err := l.repo.GetLock(ctx, lockID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewLockNotFound(lockID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lock %s: %w", lockID, err)
	}
	return lock, nil
}
