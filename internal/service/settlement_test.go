package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func (h *harness) checkout(t *testing.T, stock int, code string) (*models.OrderIntent, models.Product) {
	t.Helper()
	p := h.product("1000", stock)
	intent, err := h.intents.Create(context.Background(), &CreateIntentRequest{
		UserID:       42,
		Items:        []models.CartLine{line(p.ID, 1)},
		DiscountCode: code,
	})
	require.NoError(t, err)
	return intent, p
}

func (h *harness) webhook(t *testing.T, eventID, eventType, gatewayOrderID, paymentID string, amount int64) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":         eventID,
		"event":      eventType,
		"payment_id": paymentID,
		"order_id":   gatewayOrderID,
		"status":     "captured",
		"amount":     amount,
	})
	require.NoError(t, err)
	header := http.Header{}
	header.Set(payment.SignatureHeader, h.gateway.SignWebhook(body))
	return body, header
}

func TestConvertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	d := h.save10()
	intent, p := h.checkout(t, 3, "SAVE10")
	proof := h.pay(t, intent, "pay_1")
	ctx := context.Background()

	order, err := h.settlement.Convert(ctx, intent.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, order.IntentID)
	assert.Equal(t, "1112.00", order.TotalAmount.StringFixed(2))
	require.Len(t, order.Items, 1)
	assert.Equal(t, p.SKU, order.Items[0].SKU)

	again, err := h.settlement.Convert(ctx, intent.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)

	viaConfirm, err := h.payments.Confirm(ctx, intent.ID, proof, Actor{UserID: 42})
	require.NoError(t, err)
	assert.Equal(t, order.ID, viaConfirm.ID)

	assert.Equal(t, 1, h.store.CountOrders())
	assert.Equal(t, 1, h.discount(d.ID).UsedCount)
	_, held := h.discount(d.ID).LockHolder(h.clock.Now())
	assert.False(t, held)
	// stock was taken at reservation and never again
	assert.Equal(t, 2, h.stock(models.ProductTarget(p.ID)))

	locks, err := h.store.ListLocksByIntent(ctx, intent.ID)
	require.NoError(t, err)
	for _, l := range locks {
		assert.Equal(t, models.LockStatusConverted, l.Status)
		assert.Equal(t, order.ID, *l.OrderID)
	}

	stored, err := h.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusConverted, stored.Status)
	assert.Equal(t, "pay_1", *stored.PaymentID)
	assert.Equal(t, 1, h.publisher.count(models.EventTypeIntentConverted))
}

func TestConcurrentConvertCreatesOneOrder(t *testing.T) {
	h := newHarness(t)
	d := h.save10()
	intent, _ := h.checkout(t, 1, "SAVE10")
	proof := h.pay(t, intent, "pay_1")

	ids := make([]string, 8)
	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			order, err := h.settlement.Convert(context.Background(), intent.ID, proof)
			if err != nil {
				return err
			}
			ids[i] = order.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.store.CountOrders())
	assert.Equal(t, 1, h.discount(d.ID).UsedCount)
}

func TestConvertRejectsBadProof(t *testing.T) {
	h := newHarness(t)
	intent, p := h.checkout(t, 2, "")
	proof := h.pay(t, intent, "pay_1")
	ctx := context.Background()

	forged := proof
	forged.Signature = h.gateway.Sign(proof.GatewayOrderID, "pay_other")
	_, err := h.settlement.Convert(ctx, intent.ID, forged)
	require.ErrorIs(t, err, models.ErrPaymentSignatureMismatch)
	assert.NotContains(t, err.Error(), proof.Signature)

	wrongOrder := proof
	wrongOrder.GatewayOrderID = "order_other"
	_, err = h.settlement.Convert(ctx, intent.ID, wrongOrder)
	require.ErrorIs(t, err, models.ErrPaymentSignatureMismatch)

	short := int64(100)
	underpaid := proof
	underpaid.AmountMinor = &short
	_, err = h.settlement.Convert(ctx, intent.ID, underpaid)
	require.ErrorIs(t, err, models.ErrPaymentSignatureMismatch)

	assert.Equal(t, 0, h.store.CountOrders())
	stored, err := h.store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusCreated, stored.Status)
	assert.Equal(t, 1, h.stock(models.ProductTarget(p.ID)))
}

func TestConvertAfterExpiry(t *testing.T) {
	h := newHarness(t)
	intent, p := h.checkout(t, 2, "")
	proof := h.pay(t, intent, "pay_1")

	h.clock.Advance(30 * time.Minute)
	_, err := h.settlement.Convert(context.Background(), intent.ID, proof)
	require.ErrorIs(t, err, models.ErrIntentExpired)

	assert.Equal(t, 0, h.store.CountOrders())
	assert.Equal(t, 2, h.stock(models.ProductTarget(p.ID)))
}

func TestConvertCancelledIntent(t *testing.T) {
	h := newHarness(t)
	intent, _ := h.checkout(t, 2, "")
	proof := h.pay(t, intent, "pay_1")

	_, err := h.intents.Cancel(context.Background(), intent.ID, Actor{UserID: 42})
	require.NoError(t, err)

	_, err = h.settlement.Convert(context.Background(), intent.ID, proof)
	assert.ErrorIs(t, err, models.ErrIntentInvalidState)
	assert.Equal(t, 0, h.store.CountOrders())
}

func TestConvertResumesAfterPartialFailure(t *testing.T) {
	h := newHarness(t)
	d := h.save10()
	intent, _ := h.checkout(t, 2, "SAVE10")
	proof := h.pay(t, intent, "pay_1")
	ctx := context.Background()

	h.store.FailNext("RedeemDiscount", errors.New("timeout"))
	_, err := h.settlement.Convert(ctx, intent.ID, proof)
	require.Error(t, err)
	assert.Equal(t, 1, h.store.CountOrders())
	assert.Equal(t, 0, h.discount(d.ID).UsedCount)

	order, err := h.settlement.Convert(ctx, intent.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.CountOrders())
	assert.Equal(t, 1, h.discount(d.ID).UsedCount)

	locks, err := h.store.ListLocksByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, order.ID, *locks[0].OrderID)
}

func TestConvertResumesAfterLockFailure(t *testing.T) {
	h := newHarness(t)
	intent, p := h.checkout(t, 2, "")
	proof := h.pay(t, intent, "pay_1")
	ctx := context.Background()

	h.store.FailNext("ConvertLock", errors.New("timeout"))
	_, err := h.settlement.Convert(ctx, intent.ID, proof)
	require.Error(t, err)

	// an expired read must not release the locks of a settled intent
	h.clock.Advance(time.Hour)
	_, err = h.ledger.AvailableStock(ctx, models.ProductTarget(p.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, h.stock(models.ProductTarget(p.ID)))

	_, err = h.settlement.Convert(ctx, intent.ID, proof)
	require.NoError(t, err)
	locks, err := h.store.ListLocksByIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LockStatusConverted, locks[0].Status)
	assert.Equal(t, 1, h.stock(models.ProductTarget(p.ID)))
}

func TestGetOrderOwnership(t *testing.T) {
	h := newHarness(t)
	intent, _ := h.checkout(t, 2, "")
	order, err := h.settlement.Convert(context.Background(), intent.ID, h.pay(t, intent, "pay_1"))
	require.NoError(t, err)

	got, err := h.settlement.GetOrder(context.Background(), order.ID, Actor{UserID: 42})
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)

	_, err = h.settlement.GetOrder(context.Background(), order.ID, Actor{UserID: 43})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	_, err = h.settlement.GetOrder(context.Background(), "missing", Actor{Admin: true})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}
