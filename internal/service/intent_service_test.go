package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCreatePricesAndReserves(t *testing.T) {
	h := newHarness(t)
	p := h.product("1000", 3)
	d := h.save10()

	intent, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID:       42,
		Items:        []models.CartLine{line(p.ID, 1)},
		DiscountCode: "SAVE10",
	})
	require.NoError(t, err)

	assert.Equal(t, models.IntentStatusCreated, intent.Status)
	assert.Equal(t, "1000.00", intent.Subtotal.StringFixed(2))
	assert.Equal(t, "100.00", intent.DiscountAmount.StringFixed(2))
	assert.Equal(t, "162.00", intent.TaxAmount.StringFixed(2))
	assert.Equal(t, "50.00", intent.ShippingCharge.StringFixed(2))
	assert.Equal(t, "1112.00", intent.TotalAmount.StringFixed(2))
	assert.Equal(t, t0.Add(30*time.Minute), intent.ExpiresAt)
	require.Len(t, intent.CartSnapshot.Lines, 1)
	assert.Equal(t, p.SKU, intent.CartSnapshot.Lines[0].SKU)

	assert.Equal(t, 2, h.stock(models.ProductTarget(p.ID)))
	locks, err := h.store.ListLocksByIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, models.LockStatusLocked, locks[0].Status)
	assert.Equal(t, intent.ExpiresAt, locks[0].ExpiresAt)

	holder, held := h.discount(d.ID).LockHolder(t0)
	assert.True(t, held)
	assert.Equal(t, intent.ID, holder)
	assert.Equal(t, 1, h.publisher.count(models.EventTypeIntentCreated))
}

// Two shoppers race for the last unit
func TestCreateLastUnitRace(t *testing.T) {
	h := newHarness(t)
	p := h.product("500", 10)
	v := h.variant(p.ID, "650", 1)

	var created, short int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 2; i++ {
		userID := int64(i + 1)
		g.Go(func() error {
			_, err := h.intents.Create(ctx, &CreateIntentRequest{
				UserID: userID,
				Items:  []models.CartLine{variantLine(p.ID, v.ID, 1)},
			})
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case errors.Is(err, models.ErrInsufficientStock):
				atomic.AddInt32(&short, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(1), short)
	assert.Equal(t, 0, h.stock(models.VariantTarget(v.ID)))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 7)
	target := models.ProductTarget(p.ID)

	var reserved int32
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		qty := i%3 + 1
		g.Go(func() error {
			_, err := h.ledger.Reserve(context.Background(), target, qty, "intent", t0.Add(time.Hour))
			if errors.Is(err, models.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			atomic.AddInt32(&reserved, int32(qty))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, reserved, int32(7))
	assert.Equal(t, 7-int(reserved), h.stock(target))
}

func TestCreateRollsBackOnLineFailure(t *testing.T) {
	h := newHarness(t)
	p1 := h.product("100", 5)
	p2 := h.product("200", 5)
	p3 := h.product("300", 5)

	// the second lock write fails after its stock was taken
	var calls int32
	wrapped := &failingLocks{Repository: h.store, failOn: 2, calls: &calls}
	h.ledger.repo = wrapped

	_, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID: 1,
		Items:  []models.CartLine{line(p3.ID, 1), line(p1.ID, 2), line(p2.ID, 3)},
	})
	require.Error(t, err)

	assert.Equal(t, 5, h.stock(models.ProductTarget(p1.ID)))
	assert.Equal(t, 5, h.stock(models.ProductTarget(p2.ID)))
	assert.Equal(t, 5, h.stock(models.ProductTarget(p3.ID)))
	assert.Equal(t, 0, h.store.CountIntents())
}

func TestCreateRollsBackWhenIntentWriteFails(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 5)
	d := h.save10()
	h.store.FailNext("CreateIntent", errors.New("disk full"))

	_, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID:       1,
		Items:        []models.CartLine{line(p.ID, 2)},
		DiscountCode: "SAVE10",
	})
	require.Error(t, err)

	assert.Equal(t, 5, h.stock(models.ProductTarget(p.ID)))
	_, held := h.discount(d.ID).LockHolder(t0)
	assert.False(t, held)
	assert.Equal(t, 0, h.store.CountIntents())
}

func TestCreateReportsEveryMismatch(t *testing.T) {
	h := newHarness(t)
	gone := int64(9999)
	inactive := h.store.AddProduct(models.Product{SKU: "OLD", Name: "Old", BasePrice: dec("10"), Stock: 5})
	repriced := h.product("120", 5)
	scarce := h.product("80", 1)

	changed := line(repriced.ID, 1)
	changed.UnitPrice = dec("100")

	_, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID: 1,
		Items:  []models.CartLine{line(gone, 1), line(inactive.ID, 1), changed, line(scarce.ID, 3)},
	})
	require.ErrorIs(t, err, models.ErrCartMismatch)

	var derr *models.Error
	require.True(t, errors.As(err, &derr))
	require.Len(t, derr.Mismatches, 4)
	assert.Equal(t, models.MismatchNotFound, derr.Mismatches[0].Reason)
	assert.Equal(t, models.MismatchInactive, derr.Mismatches[1].Reason)
	assert.Equal(t, models.MismatchPriceChanged, derr.Mismatches[2].Reason)
	assert.Equal(t, "120.00", derr.Mismatches[2].CurrentPrice.StringFixed(2))
	assert.Equal(t, models.MismatchInsufficientStock, derr.Mismatches[3].Reason)
	assert.Equal(t, 1, *derr.Mismatches[3].Available)

	// nothing was reserved
	assert.Equal(t, 5, h.stock(models.ProductTarget(repriced.ID)))
	assert.Equal(t, 1, h.stock(models.ProductTarget(scarce.ID)))
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID: 0,
		Items:  []models.CartLine{{ProductID: 1, Quantity: 0}},
	})
	require.ErrorIs(t, err, models.ErrValidation)

	var derr *models.Error
	require.True(t, errors.As(err, &derr))
	assert.Len(t, derr.Violations, 2)
}

func TestCreateWhenCheckoutClosed(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 5)

	h.settings.update(func(s *models.Settings) { s.MaintenanceMode = true })
	_, err := h.intents.Create(context.Background(), &CreateIntentRequest{UserID: 1, Items: []models.CartLine{line(p.ID, 1)}})
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)

	h.settings.update(func(s *models.Settings) { s.MaintenanceMode = false; s.CheckoutEnabled = false })
	_, err = h.intents.Create(context.Background(), &CreateIntentRequest{UserID: 1, Items: []models.CartLine{line(p.ID, 1)}})
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
	assert.Equal(t, 5, h.stock(models.ProductTarget(p.ID)))
}

func TestDiscountLockIsExclusive(t *testing.T) {
	h := newHarness(t)
	p := h.product("1000", 5)
	d := h.save10()

	first, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID: 1, Items: []models.CartLine{line(p.ID, 1)}, DiscountCode: "SAVE10",
	})
	require.NoError(t, err)

	_, err = h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID: 2, Items: []models.CartLine{line(p.ID, 1)}, DiscountCode: "SAVE10",
	})
	require.ErrorIs(t, err, models.ErrDiscountInvalid)
	assert.Equal(t, 4, h.stock(models.ProductTarget(p.ID)))

	// the holder's cancel frees the code
	_, err = h.intents.Cancel(context.Background(), first.ID, Actor{UserID: 1})
	require.NoError(t, err)
	_, held := h.discount(d.ID).LockHolder(h.clock.Now())
	assert.False(t, held)

	_, err = h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID: 2, Items: []models.CartLine{line(p.ID, 1)}, DiscountCode: "SAVE10",
	})
	assert.NoError(t, err)
}

func TestUnlockNeverClearsAnotherHolder(t *testing.T) {
	h := newHarness(t)
	d := h.save10()
	ctx := context.Background()

	require.NoError(t, h.locker.Lock(ctx, d.ID, "a", t0.Add(time.Minute)))
	require.NoError(t, h.locker.Unlock(ctx, d.ID, "b"))
	holder, held := h.discount(d.ID).LockHolder(t0)
	assert.True(t, held)
	assert.Equal(t, "a", holder)

	err := h.locker.Lock(ctx, d.ID, "b", t0.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrDiscountInvalid)

	// an expired lock can be taken over
	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.locker.Lock(ctx, d.ID, "b", h.clock.Now().Add(time.Minute)))
	require.NoError(t, h.locker.Unlock(ctx, d.ID, "b"))
	require.NoError(t, h.locker.Unlock(ctx, d.ID, "b"))
}

func TestExhaustedDiscountCannotBeLocked(t *testing.T) {
	h := newHarness(t)
	one := 1
	d := h.store.AddDiscount(models.Discount{Code: "ONCE", Type: models.DiscountFlat, Value: dec("5"), Active: true, MaxUses: &one, UsedCount: 1})

	err := h.locker.Lock(context.Background(), d.ID, "a", t0.Add(time.Minute))
	require.ErrorIs(t, err, models.ErrDiscountInvalid)
	var derr *models.Error
	require.True(t, errors.As(err, &derr))
	assert.Contains(t, derr.Violations, "usage_exhausted")
}

func TestReadAfterExpiryNormalizes(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 3)
	d := h.save10()
	ctx := context.Background()

	intent, err := h.intents.Create(ctx, &CreateIntentRequest{UserID: 7, Items: []models.CartLine{line(p.ID, 2)}, DiscountCode: "SAVE10"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.stock(models.ProductTarget(p.ID)))

	h.clock.Advance(31 * time.Minute)

	// lapsed locks count as available before anything is flipped
	available, err := h.ledger.AvailableStock(ctx, models.ProductTarget(p.ID))
	require.NoError(t, err)
	assert.Equal(t, 3, available)

	got, err := h.intents.Get(ctx, intent.ID, Actor{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusExpired, got.Status)

	stored, err := h.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusExpired, stored.Status)
	assert.Equal(t, 3, h.stock(models.ProductTarget(p.ID)))
	_, held := h.discount(d.ID).LockHolder(t0)
	assert.False(t, held)

	// a second read changes nothing
	_, err = h.intents.Get(ctx, intent.ID, Actor{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 3, h.stock(models.ProductTarget(p.ID)))
	assert.Equal(t, 1, h.publisher.count(models.EventTypeIntentExpired))
}

// Cancel racing a read after expiry: the intent ends EXPIRED and its locks are released once
func TestCancelRacingExpiry(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 4)
	ctx := context.Background()

	intent, err := h.intents.Create(ctx, &CreateIntentRequest{UserID: 7, Items: []models.CartLine{line(p.ID, 3)}})
	require.NoError(t, err)
	h.clock.Advance(31 * time.Minute)

	var g errgroup.Group
	g.Go(func() error {
		_, err := h.intents.Cancel(ctx, intent.ID, Actor{UserID: 7})
		if errors.Is(err, models.ErrIntentExpired) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		_, err := h.intents.Get(ctx, intent.ID, Actor{UserID: 7})
		return err
	})
	require.NoError(t, g.Wait())

	stored, err := h.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusExpired, stored.Status)
	assert.Equal(t, 4, h.stock(models.ProductTarget(p.ID)))
	assert.Equal(t, 1, h.publisher.count(models.EventTypeIntentExpired))
	assert.Equal(t, 0, h.publisher.count(models.EventTypeIntentCancelled))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 4)
	ctx := context.Background()

	intent, err := h.intents.Create(ctx, &CreateIntentRequest{UserID: 7, Items: []models.CartLine{line(p.ID, 3)}})
	require.NoError(t, err)

	_, err = h.intents.Cancel(ctx, intent.ID, Actor{UserID: 8})
	assert.ErrorIs(t, err, models.ErrIntentNotFound)

	cancelled, err := h.intents.Cancel(ctx, intent.ID, Actor{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusCancelled, cancelled.Status)
	assert.Equal(t, 4, h.stock(models.ProductTarget(p.ID)))

	_, err = h.intents.Cancel(ctx, intent.ID, Actor{UserID: 7})
	assert.ErrorIs(t, err, models.ErrIntentInvalidState)
	assert.Equal(t, 4, h.stock(models.ProductTarget(p.ID)))

	// terminal states survive the expiry sweep
	h.clock.Advance(time.Hour)
	got, err := h.intents.Get(ctx, intent.ID, Actor{Admin: true})
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusCancelled, got.Status)
}

func TestExpireLapsedSweep(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.intents.Create(ctx, &CreateIntentRequest{UserID: int64(i + 1), Items: []models.CartLine{line(p.ID, 2)}})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, h.stock(models.ProductTarget(p.ID)))

	n, err := h.intents.ExpireLapsed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(30 * time.Minute)
	n, err = h.intents.ExpireLapsed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = h.intents.ExpireLapsed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, h.stock(models.ProductTarget(p.ID)))
}

func TestQuoteReservesNothing(t *testing.T) {
	h := newHarness(t)
	p := h.product("1000", 2)
	h.save10()

	res, err := h.intents.Quote(context.Background(), &QuoteRequest{UserID: 1, Items: []models.CartLine{line(p.ID, 1)}, DiscountCode: "SAVE10"})
	require.NoError(t, err)
	assert.Equal(t, "1112.00", res.TotalAmount.StringFixed(2))
	assert.Equal(t, 2, h.stock(models.ProductTarget(p.ID)))
	assert.Equal(t, 0, h.store.CountIntents())
}

func TestListForUserNormalizes(t *testing.T) {
	h := newHarness(t)
	p := h.product("100", 10)
	ctx := context.Background()

	_, err := h.intents.Create(ctx, &CreateIntentRequest{UserID: 5, Items: []models.CartLine{line(p.ID, 1)}})
	require.NoError(t, err)
	h.clock.Advance(40 * time.Minute)
	_, err = h.intents.Create(ctx, &CreateIntentRequest{UserID: 5, Items: []models.CartLine{line(p.ID, 1)}})
	require.NoError(t, err)

	list, err := h.intents.ListForUser(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.IntentStatusCreated, list[0].Status)
	assert.Equal(t, models.IntentStatusExpired, list[1].Status)
}

type failingLocks struct {
	Repository
	failOn int32
	calls  *int32
}

func (f *failingLocks) CreateLock(ctx context.Context, lock *models.InventoryLock) error {
	if atomic.AddInt32(f.calls, 1) == f.failOn {
		return errors.New("connection reset")
	}
	return f.Repository.CreateLock(ctx, lock)
}
