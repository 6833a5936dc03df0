package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

// StripeSignatureHeader carries the Stripe webhook signature
const StripeSignatureHeader = "Stripe-Signature"

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway maps gateway orders onto Stripe PaymentIntents. The client
// proves payment with the intent's client secret.
type StripeGateway struct {
	intents       stripeIntentAPI
	webhookSecret string
	logger        *zap.Logger
}

// NewStripeGateway creates a Stripe-backed gateway
func NewStripeGateway(apiKey, webhookSecret string) (*StripeGateway, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	sc := client.New(apiKey, nil)
	return newStripeGateway(sc.PaymentIntents, webhookSecret), nil
}

func newStripeGateway(intents stripeIntentAPI, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		intents:       intents,
		webhookSecret: webhookSecret,
		logger:        util.GetLogger(),
	}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if req.Reference != "" {
		params.AddMetadata("reference", req.Reference)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	util.Ctx(ctx).Info("Stripe payment intent created",
		zap.String("payment_intent", pi.ID),
		zap.String("reference", req.Reference))

	return &Order{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount,
		Currency:     string(pi.Currency),
	}, nil
}

func (g *StripeGateway) VerifySignature(ctx context.Context, gatewayOrderID, paymentID, signature string) (bool, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.intents.Get(gatewayOrderID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("stripe: get payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return false, nil
	}
	if paymentID != pi.ID && (pi.LatestCharge == nil || pi.LatestCharge.ID != paymentID) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(pi.ClientSecret)) == 1, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, header http.Header) (*models.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(StripeSignatureHeader), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	var eventType string
	switch string(event.Type) {
	case "payment_intent.succeeded":
		eventType = models.EventTypePaymentCaptured
	case "payment_intent.payment_failed":
		eventType = models.EventTypePaymentFailed
	default:
		eventType = string(event.Type)
	}

	var pi stripe.PaymentIntent
	if event.Data != nil {
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
		}
	}

	paymentID := pi.ID
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		paymentID = pi.LatestCharge.ID
	}
	amount := pi.AmountReceived

	return &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   event.ID,
			EventType: eventType,
			Timestamp: time.Unix(event.Created, 0),
		},
		PaymentID:      paymentID,
		GatewayOrderID: pi.ID,
		Status:         string(pi.Status),
		AmountMinor:    &amount,
	}, nil
}
