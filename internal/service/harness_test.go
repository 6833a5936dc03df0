package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/payment"
	"checkout-engine/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticSettings struct {
	mu       sync.Mutex
	settings models.Settings
}

func (s *staticSettings) Snapshot(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *staticSettings) update(fn func(*models.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.IntentEvent
}

func (p *recordingPublisher) PublishIntentEvent(ctx context.Context, event *models.IntentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	store      *memstore.Store
	clock      *testClock
	settings   *staticSettings
	publisher  *recordingPublisher
	gateway    *payment.SigningGateway
	ledger     *Ledger
	locker     *DiscountLocker
	intents    *IntentService
	settlement *Settlement
	payments   *PaymentService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memstore.New()
	clock := &testClock{now: t0}
	settings := &staticSettings{settings: models.Settings{
		TaxPercentage:         dec("18"),
		FreeShippingThreshold: dec("5000"),
		ShippingCharge:        dec("50"),
		RoundingMethod:        models.RoundNearest,
		LockDuration:          30 * time.Minute,
		CheckoutEnabled:       true,
		Currency:              "INR",
	}}
	publisher := &recordingPublisher{}
	gateway, err := payment.NewSigningGateway("key-secret", "hook-secret")
	require.NoError(t, err)

	audit := NewAuditLogger(store)
	ledger := NewLedger(store)
	ledger.now = clock.Now
	locker := NewDiscountLocker(store)
	locker.now = clock.Now

	intents := NewIntentService(store, ledger, locker, settings, publisher, audit)
	intents.now = clock.Now
	intents.engine = intents.engine.WithClock(clock.Now)

	settlement := NewSettlement(store, ledger, locker, gateway, publisher, audit)
	settlement.now = clock.Now

	return &harness{
		store:      store,
		clock:      clock,
		settings:   settings,
		publisher:  publisher,
		gateway:    gateway,
		ledger:     ledger,
		locker:     locker,
		intents:    intents,
		settlement: settlement,
		payments:   NewPaymentService(store, intents, settlement, gateway, audit),
	}
}

func (h *harness) product(price string, stock int) models.Product {
	return h.store.AddProduct(models.Product{
		SKU:         "P-" + price,
		Name:        "Ring " + price,
		Category:    "ring",
		MetalType:   "gold",
		WeightGrams: dec("4.5"),
		BasePrice:   dec(price),
		Stock:       stock,
		Active:      true,
	})
}

func (h *harness) variant(productID int64, price string, stock int) models.Variant {
	return h.store.AddVariant(models.Variant{
		ProductID: productID,
		SKU:       "V-" + price,
		Size:      "7",
		Color:     "yellow",
		Finish:    "polished",
		Price:     decimal.NewNullDecimal(dec(price)),
		Stock:     stock,
		Active:    true,
	})
}

func (h *harness) save10() models.Discount {
	return h.store.AddDiscount(models.Discount{
		Code:   "SAVE10",
		Type:   models.DiscountPercentage,
		Value:  dec("10"),
		Active: true,
	})
}

func (h *harness) stock(target models.Target) int {
	stock, err := h.store.GetStock(context.Background(), target)
	if err != nil {
		panic(err)
	}
	return stock
}

func (h *harness) discount(id int64) *models.Discount {
	d, err := h.store.GetDiscount(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return d
}

func line(productID int64, qty int) models.CartLine {
	return models.CartLine{ProductID: productID, Quantity: qty}
}

func variantLine(productID, variantID int64, qty int) models.CartLine {
	return models.CartLine{ProductID: productID, VariantID: &variantID, Quantity: qty}
}

// pay initiates payment and returns a signed client proof for the intent
func (h *harness) pay(t *testing.T, intent *models.OrderIntent, paymentID string) PaymentProof {
	t.Helper()
	session, err := h.payments.Initiate(context.Background(), intent.ID, Actor{UserID: intent.UserID})
	require.NoError(t, err)
	return PaymentProof{
		GatewayOrderID: session.GatewayOrderID,
		PaymentID:      paymentID,
		Signature:      h.gateway.Sign(session.GatewayOrderID, paymentID),
	}
}
