// Package payment adapts payment gateways: creating gateway orders, verifying
// payment signatures and parsing asynchronous webhook notifications.
package payment

import (
	"context"
	"errors"
	"net/http"

	"checkout-engine/internal/models"
)

// ErrInvalidWebhook is returned when a webhook fails authentication or cannot be parsed
var ErrInvalidWebhook = errors.New("payment: invalid webhook")

// OrderRequest asks the gateway to open an order for an amount
type OrderRequest struct {
	AmountMinor    int64
	Currency       string
	Reference      string
	IdempotencyKey string
}

// Order is a gateway-side order the client completes payment against
type Order struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	AmountMinor  int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Gateway is a payment provider
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// VerifySignature reports whether the signature proves paymentID settled
	// gatewayOrderID. An error means the gateway could not be asked.
	VerifySignature(ctx context.Context, gatewayOrderID, paymentID, signature string) (bool, error)
	ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error)
}
