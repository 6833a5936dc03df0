package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeIntentCreated   = "INTENT_CREATED"
	EventTypeIntentConverted = "INTENT_CONVERTED"
	EventTypeIntentCancelled = "INTENT_CANCELLED"
	EventTypeIntentExpired   = "INTENT_EXPIRED"

	EventTypePaymentCaptured = "payment.captured"
	EventTypePaymentFailed   = "payment.failed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// IntentEvent is published on every intent lifecycle transition
type IntentEvent struct {
	BaseEvent
	IntentID     string          `json:"intent_id"`
	IntentNumber string          `json:"intent_number"`
	UserID       int64           `json:"user_id"`
	Status       IntentStatus    `json:"status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Currency     string          `json:"currency"`
	OrderID      string          `json:"order_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// PaymentEvent is an asynchronous gateway notification. It is delivered at
// least once, through the webhook endpoint or the payment events topic.
type PaymentEvent struct {
	BaseEvent
	PaymentID      string `json:"payment_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	Status         string `json:"status"`
	AmountMinor    *int64 `json:"amount,omitempty"`
}

// DedupKey identifies a delivery regardless of the transport that carried it
func (e *PaymentEvent) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.EventType + ":" + e.GatewayOrderID + ":" + e.PaymentID
}
