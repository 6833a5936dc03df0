package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing intent lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishIntentEvent publishes one intent transition, keyed by intent
func (ep *EventPublisher) PublishIntentEvent(ctx context.Context, event *models.IntentEvent) error {
	key := fmt.Sprintf("intent-%s", event.IntentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes payment notifications off the payment events topic
type EventHandler struct {
	onPayment func(context.Context, *models.PaymentEvent) error
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentEvent registers the handler for captured and failed payments
func (eh *EventHandler) OnPaymentEvent(handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPayment = handler
}

// HandleMessage routes messages to appropriate handlers. A message that does
// not decode is logged and dropped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		eh.logger.Error("Dropping undecodable payment event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	util.Ctx(ctx).Info("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))

	switch event.EventType {
	case models.EventTypePaymentCaptured, models.EventTypePaymentFailed:
		if event.GatewayOrderID == "" {
			eh.logger.Warn("Payment event without gateway order", zap.String("event_id", event.EventID))
			return nil
		}
		if eh.onPayment != nil {
			return eh.onPayment(ctx, &event)
		}
	default:
		eh.logger.Info("Unhandled event type", zap.String("event_type", event.EventType))
	}

	return nil
}
