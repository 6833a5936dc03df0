package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.product("10", 5)
	target := models.ProductTarget(p.ID)
	ctx := context.Background()

	lock, err := h.ledger.Reserve(ctx, target, 3, "i1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, h.stock(target))

	require.NoError(t, h.ledger.Release(ctx, lock.ID))
	require.NoError(t, h.ledger.Release(ctx, lock.ID))
	assert.Equal(t, 5, h.stock(target))

	err = h.ledger.Convert(ctx, lock.ID, "order-1")
	assert.ErrorIs(t, err, models.ErrInvalidLockState)
	assert.Equal(t, 5, h.stock(target))
}

func TestLedgerConvertIsTerminal(t *testing.T) {
	h := newHarness(t)
	p := h.product("10", 5)
	target := models.ProductTarget(p.ID)
	ctx := context.Background()

	lock, err := h.ledger.Reserve(ctx, target, 2, "i1", t0.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, h.ledger.Convert(ctx, lock.ID, "order-1"))
	require.NoError(t, h.ledger.Convert(ctx, lock.ID, "order-1"))
	assert.ErrorIs(t, h.ledger.Convert(ctx, lock.ID, "order-2"), models.ErrInvalidLockState)
	assert.ErrorIs(t, h.ledger.Release(ctx, lock.ID), models.ErrInvalidLockState)
	assert.Equal(t, 3, h.stock(target))

	assert.ErrorIs(t, h.ledger.Release(ctx, "nope"), models.ErrLockNotFound)
}

func TestLedgerRestoresStockWhenLockWriteFails(t *testing.T) {
	h := newHarness(t)
	v := h.variant(h.product("10", 0).ID, "12", 4)
	target := models.VariantTarget(v.ID)

	h.store.FailNext("CreateLock", errors.New("connection reset"))
	_, err := h.ledger.Reserve(context.Background(), target, 4, "i1", t0.Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, 4, h.stock(target))
}

func TestLedgerReserveReclaimsLapsedLocks(t *testing.T) {
	h := newHarness(t)
	p := h.product("10", 2)
	target := models.ProductTarget(p.ID)
	ctx := context.Background()

	_, err := h.ledger.Reserve(ctx, target, 2, "i1", t0.Add(time.Minute))
	require.NoError(t, err)

	_, err = h.ledger.Reserve(ctx, target, 1, "i2", t0.Add(time.Hour))
	require.ErrorIs(t, err, models.ErrInsufficientStock)
	var derr *models.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 0, *derr.Available)

	h.clock.Advance(2 * time.Minute)
	_, err = h.ledger.Reserve(ctx, target, 2, "i2", h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, h.stock(target))
}

func TestLedgerReleaseExpired(t *testing.T) {
	h := newHarness(t)
	p := h.product("10", 10)
	target := models.ProductTarget(p.ID)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := h.ledger.Reserve(ctx, target, 2, "i", t0.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
	}

	h.clock.Advance(150 * time.Second)
	n, err := h.ledger.ReleaseExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 6, h.stock(target))

	n, err = h.ledger.ReleaseExpired(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedgerRejectsBadReservation(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Reserve(context.Background(), models.ProductTarget(1), 0, "i", t0)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = h.ledger.Reserve(context.Background(), models.Target{Kind: "bundle", ID: 1}, 1, "i", t0)
	assert.ErrorIs(t, err, models.ErrValidation)
}
