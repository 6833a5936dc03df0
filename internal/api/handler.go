package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-Actor-Role"
	roleAdmin    = "admin"

	maxWebhookBytes = 1 << 20
)

// Pinger is a dependency the readiness check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	intents    *service.IntentService
	settlement *service.Settlement
	payments   *service.PaymentService
	ledger     *service.Ledger
	deps       map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	intents *service.IntentService,
	settlement *service.Settlement,
	payments *service.PaymentService,
	ledger *service.Ledger,
	deps map[string]Pinger,
) *Handler {
	return &Handler{
		intents:    intents,
		settlement: settlement,
		payments:   payments,
		ledger:     ledger,
		deps:       deps,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/payment", h.paymentWebhook)
		v1.GET("/inventory/:kind/:id/available", h.availableStock)

		authed := v1.Group("", requireActor())
		authed.POST("/checkout/quote", h.quote)
		authed.POST("/intents", h.createIntent)
		authed.GET("/intents/:id", h.getIntent)
		authed.POST("/intents/:id/cancel", h.cancelIntent)
		authed.POST("/intents/:id/payment", h.initiatePayment)
		authed.POST("/intents/:id/confirm", h.confirmPayment)
		authed.GET("/users/:userId/intents", h.listUserIntents)
		authed.GET("/orders/:id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type cartRequest struct {
	Items             []models.CartLine `json:"items"`
	DiscountCode      string            `json:"discount_code,omitempty"`
	ShippingAddressID *int64            `json:"shipping_address_id,omitempty"`
	BillingAddressID  *int64            `json:"billing_address_id,omitempty"`
}

func (h *Handler) bindCart(c *gin.Context) (*cartRequest, bool) {
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, models.NewValidationError("invalid request body: "+err.Error()))
		return nil, false
	}
	return &req, true
}

// quote prices the cart without reserving anything
func (h *Handler) quote(c *gin.Context) {
	req, ok := h.bindCart(c)
	if !ok {
		return
	}

	result, err := h.intents.Quote(c.Request.Context(), &service.QuoteRequest{
		UserID:       actorFrom(c).UserID,
		Items:        req.Items,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// createIntent reserves the cart
func (h *Handler) createIntent(c *gin.Context) {
	req, ok := h.bindCart(c)
	if !ok {
		return
	}

	intent, err := h.intents.Create(c.Request.Context(), &service.CreateIntentRequest{
		UserID:            actorFrom(c).UserID,
		Items:             req.Items,
		DiscountCode:      req.DiscountCode,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (h *Handler) getIntent(c *gin.Context) {
	intent, err := h.intents.Get(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) cancelIntent(c *gin.Context) {
	intent, err := h.intents.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	session, err := h.payments.Initiate(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// confirmPayment settles the intent from a client-side payment proof
func (h *Handler) confirmPayment(c *gin.Context) {
	var proof service.PaymentProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		respondError(c, models.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if proof.GatewayOrderID == "" || proof.PaymentID == "" || proof.Signature == "" {
		respondError(c, models.NewValidationError("gateway_order_id, payment_id and signature are required"))
		return
	}

	order, err := h.payments.Confirm(c.Request.Context(), c.Param("id"), proof, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listUserIntents(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(c, models.NewValidationError("userId must be a positive integer"))
		return
	}

	actor := actorFrom(c)
	if !actor.Admin && actor.UserID != userID {
		respondError(c, &models.Error{Code: models.CodeIntentNotFound, Message: "no intents for this user"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	intents, err := h.intents.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if intents == nil {
		intents = []models.OrderIntent{}
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.settlement.GetOrder(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) availableStock(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	target := models.Target{Kind: models.TargetKind(c.Param("kind")), ID: id}
	if err != nil || !target.Valid() {
		respondError(c, models.NewValidationError("target must be product or variant with a positive id"))
		return
	}

	available, err := h.ledger.AvailableStock(c.Request.Context(), target)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target":    target,
		"available": available,
	})
}

// paymentWebhook always acknowledges: rejected and failed notifications are
// logged and audited, and redelivery is handled by event dedup.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.payments.HandleWebhookPayload(c.Request.Context(), payload, c.Request.Header); err != nil {
		util.Ctx(c.Request.Context()).Warn("Webhook not processed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
