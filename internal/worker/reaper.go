package worker

import (
	"context"
	"errors"
	"time"

	"checkout-engine/internal/redisclient"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

const reaperLockKey = "checkout:reaper"

// IntentExpirer moves lapsed intents to EXPIRED and releases what they held
type IntentExpirer interface {
	ExpireLapsed(ctx context.Context, limit int) (int, error)
}

// LockReleaser releases lapsed inventory locks left behind by any path
type LockReleaser interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// LeaderLock elects one reaper across replicas
type LeaderLock interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*redisclient.Lock, error)
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Expired  int  `json:"expired"`
	Released int  `json:"released"`
	Skipped  bool `json:"skipped"`
}

// Reaper periodically expires lapsed intents and releases lapsed locks. Reads
// already normalize lazily; the reaper bounds how long stock stays held when
// nobody reads.
type Reaper struct {
	intents  IntentExpirer
	locks    LockReleaser
	leader   LeaderLock
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewReaper creates a reaper. leader may be nil when only one replica runs.
func NewReaper(intents IntentExpirer, locks LockReleaser, leader LeaderLock, interval time.Duration, batch int) *Reaper {
	return &Reaper{
		intents:  intents,
		locks:    locks,
		leader:   leader,
		interval: interval,
		batch:    batch,
		logger:   util.GetLogger(),
	}
}

// Start sweeps every interval until ctx is done
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting reaper", zap.Duration("interval", r.interval), zap.Int("batch", r.batch))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reaper")
			return ctx.Err()
		case <-ticker.C:
			result, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("Reaper sweep failed", zap.Error(err))
				continue
			}
			if result.Expired > 0 || result.Released > 0 {
				r.logger.Info("Reaper sweep",
					zap.Int("expired", result.Expired),
					zap.Int("released", result.Released))
			}
		}
	}
}

// RunOnce runs a single sweep. Intents are expired first so their locks are
// released through the intent path; the lock pass then picks up leftovers.
func (r *Reaper) RunOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "Reaper.RunOnce")
	defer span.End()

	var result SweepResult

	if r.leader != nil {
		lock, err := r.leader.AcquireLock(ctx, reaperLockKey, r.leaseTTL())
		if err != nil {
			util.ReaperRunsTotal.WithLabelValues("error").Inc()
			return result, err
		}
		if lock == nil {
			util.ReaperRunsTotal.WithLabelValues("skipped").Inc()
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("Failed to release reaper lock", zap.Error(err))
			}
		}()
	}

	var errs []error
	expired, err := r.intents.ExpireLapsed(ctx, r.batch)
	result.Expired = expired
	if err != nil {
		errs = append(errs, err)
	}

	released, err := r.locks.ReleaseExpired(ctx, r.batch)
	result.Released = released
	if err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		util.ReaperRunsTotal.WithLabelValues("error").Inc()
		return result, err
	}
	util.ReaperRunsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (r *Reaper) leaseTTL() time.Duration {
	if r.interval < 10*time.Second {
		return 10 * time.Second
	}
	return r.interval
}
