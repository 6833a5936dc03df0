package service

import (
	"context"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// Audit actions
const (
	AuditIntentCreated     = "intent.created"
	AuditIntentCancelled   = "intent.cancelled"
	AuditIntentExpired     = "intent.expired"
	AuditIntentConverted   = "intent.converted"
	AuditPaymentInitiated  = "payment.initiated"
	AuditPaymentFailed     = "payment.failed"
	AuditPaymentUnsettled  = "payment.unsettled"
	AuditSettlementPartial = "settlement.incomplete"
)

// AuditLogger records state changes. Write failures are logged and swallowed.
type AuditLogger struct {
	repo   AuditRepository
	logger *zap.Logger
}

// NewAuditLogger creates an audit logger; a nil repo disables recording
func NewAuditLogger(repo AuditRepository) *AuditLogger {
	return &AuditLogger{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// Record appends an audit entry
func (a *AuditLogger) Record(ctx context.Context, action, entityType, entityID string, actorID *int64, oldValues, newValues models.Metadata) {
	if a == nil || a.repo == nil {
		return
	}

	entry := &models.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		OldValues:  oldValues,
		NewValues:  newValues,
		CreatedAt:  time.Now(),
	}

	if err := a.repo.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		util.AuditFailuresTotal.Inc()
		a.logger.Error("Failed to write audit entry",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}
