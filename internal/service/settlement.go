package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/payment"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// PaymentProof is the evidence a payment settled a gateway order
type PaymentProof struct {
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
	AmountMinor    *int64 `json:"amount,omitempty"`

	// set for notifications already authenticated by the gateway adapter
	verified bool
}

// WebhookProof builds a proof from an authenticated gateway notification
func WebhookProof(event *models.PaymentEvent) PaymentProof {
	return PaymentProof{
		GatewayOrderID: event.GatewayOrderID,
		PaymentID:      event.PaymentID,
		AmountMinor:    event.AmountMinor,
		verified:       true,
	}
}

// Settlement converts paid intents into orders, exactly once per intent
type Settlement struct {
	*lifecycle
	orders  OrderRepository
	gateway payment.Gateway
}

// NewSettlement creates a new settlement converter
func NewSettlement(
	repo Repository,
	ledger *Ledger,
	locker *DiscountLocker,
	gateway payment.Gateway,
	publisher EventPublisher,
	audit *AuditLogger,
) *Settlement {
	return &Settlement{
		lifecycle: &lifecycle{
			intents:   repo,
			inventory: repo,
			ledger:    ledger,
			locker:    locker,
			publisher: publisher,
			audit:     audit,
			logger:    util.GetLogger(),
			now:       time.Now,
		},
		orders:  repo,
		gateway: gateway,
	}
}

// Convert settles the intent. It may be called any number of times: once an
// order exists it is returned unchanged after finishing any pending bookkeeping.
func (s *Settlement) Convert(ctx context.Context, intentID string, proof PaymentProof) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Settlement.Convert")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	existing, err := s.orders.GetOrderByIntentID(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}
	if existing != nil {
		util.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return s.finish(ctx, existing)
	}

	intent, err := s.loadIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	switch {
	case intent.Lapsed(s.now()):
		s.normalize(ctx, intent, "settlement")
		util.SettlementsTotal.WithLabelValues("expired").Inc()
		return nil, models.NewIntentExpired(intentID)
	case intent.Status == models.IntentStatusExpired:
		util.SettlementsTotal.WithLabelValues("expired").Inc()
		return nil, models.NewIntentExpired(intentID)
	case intent.Status == models.IntentStatusConverted:
		// converted between the order lookup and now
		return s.existingOrder(ctx, intentID)
	case !intent.Status.CanTransitionTo(models.IntentStatusConverted):
		util.SettlementsTotal.WithLabelValues("invalid_state").Inc()
		return nil, models.NewIntentInvalidState(intentID, intent.Status, "convert")
	}

	if err := s.verify(ctx, intent, proof); err != nil {
		return nil, err
	}

	order := buildOrder(intent, proof.PaymentID)
	settled, created, err := s.orders.SettleIntent(ctx, order, s.now())
	if err != nil {
		if errors.Is(err, models.ErrIntentExpired) {
			s.normalize(ctx, intent, "settlement")
		}
		var derr *models.Error
		if errors.As(err, &derr) {
			util.SettlementsTotal.WithLabelValues(string(derr.Code)).Inc()
			return nil, err
		}
		return nil, fmt.Errorf("failed to settle intent %s: %w", intentID, err)
	}

	if created {
		util.SettlementsTotal.WithLabelValues("converted").Inc()
		util.Ctx(ctx).Info("Intent converted",
			zap.String("intent_id", intentID),
			zap.String("order_id", settled.ID),
			zap.String("order_number", settled.OrderNumber))

		intent.Status = models.IntentStatusConverted
		s.audit.Record(ctx, AuditIntentConverted, "order_intent", intentID, nil,
			models.Metadata{"status": string(models.IntentStatusCreated)},
			models.Metadata{"status": string(models.IntentStatusConverted), "order_id": settled.ID})
		s.publish(ctx, intent, models.EventTypeIntentConverted, settled.ID, "")
	} else {
		util.SettlementsTotal.WithLabelValues("duplicate").Inc()
	}

	return s.finish(ctx, settled)
}

// GetOrder returns an order visible to the actor
func (s *Settlement) GetOrder(ctx context.Context, id string, actor Actor) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Settlement.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrder(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewOrderNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	if !actor.owns(order.UserID) {
		return nil, models.NewOrderNotFound(id)
	}
	return order, nil
}

func (s *Settlement) existingOrder(ctx context.Context, intentID string) (*models.Order, error) {
	order, err := s.orders.GetOrderByIntentID(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order for intent %s: %w", intentID, err)
	}
	if order == nil {
		return nil, models.NewIntentInvalidState(intentID, models.IntentStatusConverted, "convert")
	}
	util.SettlementsTotal.WithLabelValues("duplicate").Inc()
	return s.finish(ctx, order)
}

// verify checks the proof against the intent. Failures never reveal which part mismatched.
func (s *Settlement) verify(ctx context.Context, intent *models.OrderIntent, proof PaymentProof) error {
	reject := func(reason string) error {
		util.SettlementsTotal.WithLabelValues("signature_mismatch").Inc()
		util.Ctx(ctx).Warn("Payment proof rejected",
			zap.String("intent_id", intent.ID),
			zap.String("reason", reason))
		return models.NewPaymentSignatureMismatch()
	}

	if intent.GatewayOrderID == nil || *intent.GatewayOrderID != proof.GatewayOrderID {
		return reject("gateway order mismatch")
	}

	if !proof.verified {
		if s.gateway == nil {
			return models.NewGatewayUnavailable(errors.New("no payment gateway configured"))
		}
		ok, err := s.gateway.VerifySignature(ctx, proof.GatewayOrderID, proof.PaymentID, proof.Signature)
		if err != nil {
			util.SettlementsTotal.WithLabelValues("gateway_unavailable").Inc()
			return models.NewGatewayUnavailable(err)
		}
		if !ok {
			return reject("signature")
		}
	}

	if proof.AmountMinor != nil && *proof.AmountMinor != totalMinor(intent) {
		return reject("amount")
	}
	return nil
}

// finish converts the intent's locks and redeems its discount. Both steps are
// idempotent, so an interrupted settlement completes on the next call.
func (s *Settlement) finish(ctx context.Context, order *models.Order) (*models.Order, error) {
	locks, err := s.inventory.ListLocksByIntent(ctx, order.IntentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks for intent %s: %w", order.IntentID, err)
	}

	var errs []error
	for _, lock := range locks {
		if lock.Status == models.LockStatusConverted {
			continue
		}
		err := s.ledger.Convert(ctx, lock.ID, order.ID)
		if errors.Is(err, models.ErrInvalidLockState) {
			// released before settlement committed; stock went back to the shelf
			s.logger.Error("Order settled against a released lock",
				zap.String("order_id", order.ID),
				zap.String("lock_id", lock.ID))
			s.audit.Record(ctx, AuditSettlementPartial, "inventory_lock", lock.ID, nil, nil,
				models.Metadata{"order_id": order.ID, "status": string(lock.Status)})
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	intent, err := s.intents.GetIntent(ctx, order.IntentID)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to load intent %s: %w", order.IntentID, err))
	} else if intent.DiscountID != nil {
		if err := s.locker.Redeem(ctx, *intent.DiscountID, intent.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		util.SettlementsTotal.WithLabelValues("incomplete").Inc()
		return nil, fmt.Errorf("settlement of intent %s incomplete: %w", order.IntentID, err)
	}
	return order, nil
}

func buildOrder(intent *models.OrderIntent, paymentID string) *models.Order {
	order := &models.Order{
		ID:                uuid.New().String(),
		OrderNumber:       "ORD-" + ulid.Make().String(),
		IntentID:          intent.ID,
		UserID:            intent.UserID,
		Status:            models.OrderStatusPlaced,
		Subtotal:          intent.Subtotal,
		DiscountAmount:    intent.DiscountAmount,
		TaxAmount:         intent.TaxAmount,
		ShippingCharge:    intent.ShippingCharge,
		TotalAmount:       intent.TotalAmount,
		Currency:          intent.Currency,
		DiscountCode:      intent.DiscountCode,
		ShippingAddressID: intent.ShippingAddressID,
		BillingAddressID:  intent.BillingAddressID,
		GatewayOrderID:    intent.GatewayOrderID,
		Items:             make([]models.OrderItem, 0, len(intent.CartSnapshot.Lines)),
	}
	if paymentID != "" {
		order.PaymentID = &paymentID
	}

	for _, line := range intent.CartSnapshot.Lines {
		order.Items = append(order.Items, models.OrderItem{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			SKU:       line.SKU,
			Name:      line.Name,
			Size:      line.Size,
			Color:     line.Color,
			Finish:    line.Finish,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
	}
	return order
}
