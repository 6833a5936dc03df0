package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"checkout-engine/internal/models"
	"checkout-engine/internal/payment"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// PaymentService opens gateway orders for intents and takes in gateway notifications
type PaymentService struct {
	intents    *IntentService
	repo       IntentRepository
	events     EventRepository
	gateway    payment.Gateway
	settlement *Settlement
	audit      *AuditLogger
	logger     *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	repo Repository,
	intents *IntentService,
	settlement *Settlement,
	gateway payment.Gateway,
	audit *AuditLogger,
) *PaymentService {
	return &PaymentService{
		intents:    intents,
		repo:       repo,
		events:     repo,
		gateway:    gateway,
		settlement: settlement,
		audit:      audit,
		logger:     util.GetLogger(),
	}
}

// PaymentSession is what a client needs to complete payment
type PaymentSession struct {
	IntentID       string `json:"intent_id"`
	Provider       string `json:"provider"`
	GatewayOrderID string `json:"gateway_order_id"`
	ClientSecret   string `json:"client_secret,omitempty"`
	AmountMinor    int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// Initiate opens a gateway order for the intent total. The gateway order is
// recorded once; retries return the recorded one.
func (ps *PaymentService) Initiate(ctx context.Context, intentID string, actor Actor) (*PaymentSession, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate")
	defer span.End()

	intent, err := ps.intents.Get(ctx, intentID, actor)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case models.IntentStatusCreated:
	case models.IntentStatusExpired:
		return nil, models.NewIntentExpired(intentID)
	default:
		return nil, models.NewIntentInvalidState(intentID, intent.Status, "pay for")
	}

	session := &PaymentSession{
		IntentID:    intent.ID,
		Provider:    ps.gateway.Name(),
		AmountMinor: totalMinor(intent),
		Currency:    intent.Currency,
	}
	if intent.GatewayOrderID != nil {
		session.GatewayOrderID = *intent.GatewayOrderID
		return session, nil
	}

	util.PaymentAttemptsTotal.Inc()
	order, err := ps.gateway.CreateOrder(ctx, payment.OrderRequest{
		AmountMinor:    session.AmountMinor,
		Currency:       intent.Currency,
		Reference:      intent.IntentNumber,
		IdempotencyKey: intent.ID,
	})
	if err != nil {
		ps.logger.Error("Gateway order creation failed",
			zap.String("intent_id", intentID),
			zap.Error(err))
		return nil, models.NewGatewayUnavailable(err)
	}

	stored, err := ps.repo.SetGatewayOrderID(ctx, intent.ID, order.ID, ps.intents.now())
	if err != nil {
		return nil, fmt.Errorf("failed to record gateway order: %w", err)
	}
	session.GatewayOrderID = stored
	if stored == order.ID {
		session.ClientSecret = order.ClientSecret
		ps.audit.Record(ctx, AuditPaymentInitiated, "order_intent", intent.ID, actor.id(), nil,
			models.Metadata{"gateway_order_id": stored, "provider": ps.gateway.Name()})
	}
	return session, nil
}

// Confirm settles an intent from a client-supplied payment proof
func (ps *PaymentService) Confirm(ctx context.Context, intentID string, proof PaymentProof, actor Actor) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Confirm")
	defer span.End()

	// ownership only; settlement re-reads the intent itself
	if _, err := ps.intents.Get(ctx, intentID, actor); err != nil {
		return nil, err
	}
	proof.verified = false
	return ps.settlement.Convert(ctx, intentID, proof)
}

// HandleWebhookPayload authenticates a raw gateway notification and processes it
func (ps *PaymentService) HandleWebhookPayload(ctx context.Context, payload []byte, header http.Header) error {
	event, err := ps.gateway.ParseWebhook(payload, header)
	if err != nil {
		util.PaymentWebhooksTotal.WithLabelValues("unknown", "rejected").Inc()
		return err
	}
	return ps.HandleWebhook(ctx, event)
}

// HandleWebhook processes a payment notification. Delivery is at least once:
// a notification already processed is acknowledged without effect.
func (ps *PaymentService) HandleWebhook(ctx context.Context, event *models.PaymentEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	key := event.DedupKey()
	processed, err := ps.events.IsEventProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.PaymentWebhooksTotal.WithLabelValues(event.EventType, "duplicate").Inc()
		util.Ctx(ctx).Info("Event already processed", zap.String("event_id", key))
		return nil
	}

	switch event.EventType {
	case models.EventTypePaymentCaptured:
		if err := ps.handleCaptured(ctx, event); err != nil {
			util.PaymentWebhooksTotal.WithLabelValues(event.EventType, "failed").Inc()
			return err
		}
	case models.EventTypePaymentFailed:
		ps.logger.Warn("Payment failed",
			zap.String("gateway_order_id", event.GatewayOrderID),
			zap.String("payment_id", event.PaymentID),
			zap.String("status", event.Status))
		ps.audit.Record(ctx, AuditPaymentFailed, "gateway_order", event.GatewayOrderID, nil, nil,
			models.Metadata{"payment_id": event.PaymentID, "status": event.Status})
	default:
		ps.logger.Info("Unhandled payment event", zap.String("event_type", event.EventType))
	}

	if err := ps.events.MarkEventProcessed(ctx, key, event.EventType); err != nil {
		ps.logger.Error("Failed to mark event processed", zap.String("event_id", key), zap.Error(err))
	}
	util.PaymentWebhooksTotal.WithLabelValues(event.EventType, "processed").Inc()
	return nil
}

// handleCaptured settles the intent behind a captured payment. Outcomes a
// retry cannot change are recorded for reconciliation instead of returned.
func (ps *PaymentService) handleCaptured(ctx context.Context, event *models.PaymentEvent) error {
	intent, err := ps.repo.GetIntentByGatewayOrderID(ctx, event.GatewayOrderID)
	if errors.Is(err, models.ErrNotFound) {
		ps.logger.Warn("Payment for unknown gateway order",
			zap.String("gateway_order_id", event.GatewayOrderID))
		ps.audit.Record(ctx, AuditPaymentUnsettled, "gateway_order", event.GatewayOrderID, nil, nil,
			models.Metadata{"payment_id": event.PaymentID, "reason": "unknown_gateway_order"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find intent for gateway order %s: %w", event.GatewayOrderID, err)
	}

	order, err := ps.settlement.Convert(ctx, intent.ID, WebhookProof(event))
	if err == nil {
		util.Ctx(ctx).Info("Payment settled",
			zap.String("intent_id", intent.ID),
			zap.String("order_id", order.ID))
		return nil
	}

	var derr *models.Error
	if errors.As(err, &derr) && derr.Code != models.CodeGatewayUnavailable {
		// captured money with no order: needs a human
		ps.logger.Error("Captured payment could not be settled",
			zap.String("intent_id", intent.ID),
			zap.String("payment_id", event.PaymentID),
			zap.String("code", string(derr.Code)))
		ps.audit.Record(ctx, AuditPaymentUnsettled, "order_intent", intent.ID, nil, nil,
			models.Metadata{"payment_id": event.PaymentID, "reason": string(derr.Code)})
		return nil
	}
	return err
}
