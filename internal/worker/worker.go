package worker

import (
	"context"

	"checkout-engine/internal/broker"
	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// PaymentHandler takes in payment notifications
type PaymentHandler interface {
	HandleWebhook(ctx context.Context, event *models.PaymentEvent) error
}

// PaymentWorker relays payment notifications from the payment events topic
// into the same intake as the webhook endpoint
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer *broker.Consumer, payments PaymentHandler) *PaymentWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentEvent(payments.HandleWebhook)

	return &PaymentWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")
	return pw.consumer.StartConsuming(ctx, pw.eventHandler.HandleMessage)
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.consumer.Close()
}
