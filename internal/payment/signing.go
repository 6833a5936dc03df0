package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SignatureHeader carries the webhook body signature
const SignatureHeader = "X-Signature"

// SigningGateway is a shared-secret gateway: payments are proven by an
// HMAC-SHA256 over "order_id|payment_id" and webhooks by an HMAC over the body.
type SigningGateway struct {
	keySecret     []byte
	webhookSecret []byte
	logger        *zap.Logger
}

// NewSigningGateway creates a signing gateway
func NewSigningGateway(keySecret, webhookSecret string) (*SigningGateway, error) {
	if strings.TrimSpace(keySecret) == "" {
		return nil, errors.New("payment: key secret is required")
	}
	if webhookSecret == "" {
		webhookSecret = keySecret
	}
	return &SigningGateway{
		keySecret:     []byte(keySecret),
		webhookSecret: []byte(webhookSecret),
		logger:        util.GetLogger(),
	}, nil
}

func (g *SigningGateway) Name() string { return "signing" }

// CreateOrder opens an order. The same idempotency key always yields the same order id.
func (g *SigningGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.AmountMinor < 0 {
		return nil, fmt.Errorf("payment: negative amount %d", req.AmountMinor)
	}

	id := "order_" + ulid.Make().String()
	if req.IdempotencyKey != "" {
		id = "order_" + sign(g.keySecret, "order|"+req.IdempotencyKey)[:26]
	}

	util.Ctx(ctx).Info("Gateway order created",
		zap.String("gateway_order_id", id),
		zap.String("reference", req.Reference),
		zap.Int64("amount", req.AmountMinor))

	return &Order{ID: id, AmountMinor: req.AmountMinor, Currency: req.Currency}, nil
}

// Sign returns the payment signature the client receives after paying
func (g *SigningGateway) Sign(gatewayOrderID, paymentID string) string {
	return sign(g.keySecret, gatewayOrderID+"|"+paymentID)
}

func (g *SigningGateway) VerifySignature(_ context.Context, gatewayOrderID, paymentID, signature string) (bool, error) {
	expected := g.Sign(gatewayOrderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))), nil
}

// SignWebhook returns the X-Signature value for a webhook body
func (g *SigningGateway) SignWebhook(payload []byte) string {
	return sign(g.webhookSecret, string(payload))
}

// webhookPayload is the body the gateway posts
type webhookPayload struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Amount    *int64 `json:"amount,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

func (g *SigningGateway) ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error) {
	got := strings.ToLower(header.Get(SignatureHeader))
	if got == "" || !hmac.Equal([]byte(g.SignWebhook(payload)), []byte(got)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidWebhook)
	}

	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if body.Event == "" || body.OrderID == "" {
		return nil, fmt.Errorf("%w: event and order_id are required", ErrInvalidWebhook)
	}

	ts := time.Now()
	if body.CreatedAt > 0 {
		ts = time.Unix(body.CreatedAt, 0)
	}

	return &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   body.ID,
			EventType: body.Event,
			Timestamp: ts,
		},
		PaymentID:      body.PaymentID,
		GatewayOrderID: body.OrderID,
		Status:         body.Status,
		AmountMinor:    body.Amount,
	}, nil
}

func sign(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
