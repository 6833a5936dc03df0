package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/pricing"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const defaultListLimit = 50

// IntentService drives the order intent state machine
type IntentService struct {
	*lifecycle
	catalog   CatalogRepository
	discounts DiscountRepository
	settings  SettingsSource
	engine    *pricing.Engine
}

// NewIntentService creates a new intent service
func NewIntentService(
	repo Repository,
	ledger *Ledger,
	locker *DiscountLocker,
	settings SettingsSource,
	publisher EventPublisher,
	audit *AuditLogger,
) *IntentService {
	return &IntentService{
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
		catalog:   repo,
		discounts: repo,
		settings:  settings,
		engine:    pricing.NewEngine(),
	}
}

// CreateIntentRequest represents a request to reserve a cart
type CreateIntentRequest struct {
	UserID            int64             `json:"user_id"`
	Items             []models.CartLine `json:"items"`
	DiscountCode      string            `json:"discount_code,omitempty"`
	ShippingAddressID *int64            `json:"shipping_address_id,omitempty"`
	BillingAddressID  *int64            `json:"billing_address_id,omitempty"`
}

// QuoteRequest prices a cart without reserving anything
type QuoteRequest struct {
	UserID       int64             `json:"user_id"`
	Items        []models.CartLine `json:"items"`
	DiscountCode string            `json:"discount_code,omitempty"`
}

// Create revalidates and prices the cart, reserves every line, locks the
// discount and persists the intent. Any failure undoes what was taken.
func (s *IntentService) Create(ctx context.Context, req *CreateIntentRequest) (*models.OrderIntent, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.Create")
	defer span.End()

	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !settings.CheckoutOpen() {
		util.IntentsFailedTotal.WithLabelValues("checkout_closed").Inc()
		if settings.MaintenanceMode {
			return nil, models.NewServiceUnavailable("checkout is paused for maintenance")
		}
		return nil, models.NewServiceUnavailable("checkout is disabled")
	}

	if err := validateRequest(req.UserID, req.Items); err != nil {
		util.IntentsFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	items, discount, err := s.prepare(ctx, req.Items, req.DiscountCode, settings)
	if err != nil {
		util.IntentsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	priced, err := s.engine.Compute(items, discount, settings)
	if err != nil {
		util.IntentsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	now := s.now()
	intent := &models.OrderIntent{
		ID:                uuid.New().String(),
		IntentNumber:      "INT-" + ulid.Make().String(),
		UserID:            req.UserID,
		Status:            models.IntentStatusCreated,
		CartSnapshot:      models.CartSnapshot{Lines: priced.Lines, CapturedAt: now},
		Subtotal:          priced.Subtotal,
		DiscountAmount:    priced.DiscountAmount,
		TaxAmount:         priced.TaxAmount,
		ShippingCharge:    priced.ShippingCharge,
		TotalAmount:       priced.TotalAmount,
		Currency:          settings.Currency,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		Metadata:          priced.Breakdown,
		ExpiresAt:         now.Add(settings.LockDuration),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if discount != nil {
		id, code := discount.ID, discount.Code
		intent.DiscountID = &id
		intent.DiscountCode = &code
	}

	if err := s.reserve(ctx, intent, items, discount); err != nil {
		util.IntentsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.IntentsCreatedTotal.Inc()
	util.Ctx(ctx).Info("Intent created",
		zap.String("intent_id", intent.ID),
		zap.String("intent_number", intent.IntentNumber),
		zap.Int64("user_id", intent.UserID),
		zap.String("total", intent.TotalAmount.StringFixed(2)))

	s.audit.Record(ctx, AuditIntentCreated, "order_intent", intent.ID, &intent.UserID, nil, models.Metadata{
		"status":       string(intent.Status),
		"total_amount": intent.TotalAmount.StringFixed(2),
		"expires_at":   intent.ExpiresAt,
	})
	s.publish(ctx, intent, models.EventTypeIntentCreated, "", "")

	return intent, nil
}

// reserve runs the creation saga: every line in ascending target order, then
// the discount lock, then the intent row.
func (s *IntentService) reserve(ctx context.Context, intent *models.OrderIntent, items []pricing.Item, discount *models.Discount) error {
	saga := NewSaga("create_intent")

	ordered := make([]pricing.Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Target().Less(ordered[j].Target())
	})

	fail := func(err error) error {
		if cerr := saga.Compensate(ctx); cerr != nil {
			s.logger.Error("Intent creation left resources behind",
				zap.String("intent_id", intent.ID),
				zap.Error(cerr))
		}
		return err
	}

	for _, it := range ordered {
		lock, err := s.ledger.Reserve(ctx, it.Target(), it.Quantity, intent.ID, intent.ExpiresAt)
		if err != nil {
			return fail(err)
		}
		lockID := lock.ID
		saga.AddCompensation("release "+lockID, func(ctx context.Context) error {
			return s.ledger.Release(ctx, lockID)
		})
	}

	if discount != nil {
		if err := s.locker.Lock(ctx, discount.ID, intent.ID, intent.ExpiresAt); err != nil {
			return fail(err)
		}
		saga.AddCompensation("unlock discount", func(ctx context.Context) error {
			return s.locker.Unlock(ctx, discount.ID, intent.ID)
		})
	}

	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		return fail(fmt.Errorf("failed to persist intent: %w", err))
	}
	return nil
}

// Quote revalidates and prices a cart without taking reservations
func (s *IntentService) Quote(ctx context.Context, req *QuoteRequest) (*pricing.Result, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.Quote")
	defer span.End()

	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if err := validateRequest(req.UserID, req.Items); err != nil {
		return nil, err
	}

	items, discount, err := s.prepare(ctx, req.Items, req.DiscountCode, settings)
	if err != nil {
		return nil, err
	}
	return s.engine.Compute(items, discount, settings)
}

// Get returns the intent as every reader must see it
func (s *IntentService) Get(ctx context.Context, id string, actor Actor) (*models.OrderIntent, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.Get")
	defer span.End()

	intent, err := s.loadIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(intent.UserID) {
		return nil, models.NewIntentNotFound(id)
	}
	s.normalize(ctx, intent, "read")
	return intent, nil
}

// ListForUser returns a user's most recent intents, normalized
func (s *IntentService) ListForUser(ctx context.Context, userID int64, limit int) ([]models.OrderIntent, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.ListForUser")
	defer span.End()

	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	intents, err := s.intents.ListIntentsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	for i := range intents {
		s.normalize(ctx, &intents[i], "read")
	}
	return intents, nil
}

// Cancel moves an open intent to CANCELLED and releases what it holds.
// An intent that has already lapsed ends EXPIRED instead.
func (s *IntentService) Cancel(ctx context.Context, id string, actor Actor) (*models.OrderIntent, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.Cancel")
	defer span.End()

	intent, err := s.loadIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(intent.UserID) {
		return nil, models.NewIntentNotFound(id)
	}

	if intent.Lapsed(s.now()) {
		s.normalize(ctx, intent, "cancel")
		return nil, models.NewIntentExpired(id)
	}
	if intent.Status == models.IntentStatusExpired {
		return nil, models.NewIntentExpired(id)
	}
	if !intent.Status.CanTransitionTo(models.IntentStatusCancelled) {
		return nil, models.NewIntentInvalidState(id, intent.Status, "cancel")
	}

	won, err := s.intents.CancelIntent(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel intent %s: %w", id, err)
	}
	if !won {
		// lost to expiry, settlement or another cancel
		current, err := s.loadIntent(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Lapsed(s.now()) {
			s.normalize(ctx, current, "cancel")
			return nil, models.NewIntentExpired(id)
		}
		if current.Status == models.IntentStatusExpired {
			return nil, models.NewIntentExpired(id)
		}
		return nil, models.NewIntentInvalidState(id, current.Status, "cancel")
	}

	intent.Status = models.IntentStatusCancelled
	intent.UpdatedAt = s.now()

	if err := s.releaseResources(ctx, intent); err != nil {
		s.logger.Error("Failed to release resources of cancelled intent",
			zap.String("intent_id", id),
			zap.Error(err))
	}

	util.IntentsCancelledTotal.Inc()
	util.Ctx(ctx).Info("Intent cancelled", zap.String("intent_id", id), zap.Int64("actor", actor.UserID))

	s.audit.Record(ctx, AuditIntentCancelled, "order_intent", id, actor.id(),
		models.Metadata{"status": string(models.IntentStatusCreated)},
		models.Metadata{"status": string(models.IntentStatusCancelled)})
	s.publish(ctx, intent, models.EventTypeIntentCancelled, "", "cancelled")

	return intent, nil
}

// ExpireLapsed normalizes up to limit lapsed intents and returns how many this call expired
func (s *IntentService) ExpireLapsed(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "IntentService.ExpireLapsed")
	defer span.End()

	lapsed, err := s.intents.ListLapsedIntents(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed intents: %w", err)
	}

	expired := 0
	for i := range lapsed {
		if s.normalize(ctx, &lapsed[i], "sweep") {
			expired++
		}
	}
	return expired, nil
}

// prepare resolves cart lines against the catalog and looks up the discount.
// Every drifted line is reported together and nothing is reserved.
func (s *IntentService) prepare(ctx context.Context, lines []models.CartLine, code string, settings models.Settings) ([]pricing.Item, *models.Discount, error) {
	items, err := s.revalidate(ctx, lines, settings)
	if err != nil {
		return nil, nil, err
	}

	if code == "" {
		return items, nil, nil
	}

	discount, err := s.discounts.GetDiscountByCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, models.NewDiscountInvalid(code, models.MismatchNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load discount %q: %w", code, err)
	}
	if _, held := discount.LockHolder(s.now()); held {
		util.DiscountLockFailedTotal.WithLabelValues(pricing.ReasonLockedByOther).Inc()
		return nil, nil, models.NewDiscountInvalid(code, pricing.ReasonLockedByOther)
	}
	return items, discount, nil
}

func (s *IntentService) revalidate(ctx context.Context, lines []models.CartLine, settings models.Settings) ([]pricing.Item, error) {
	productIDs := make([]int64, 0, len(lines))
	variantIDs := make([]int64, 0, len(lines))
	for _, l := range lines {
		productIDs = append(productIDs, l.ProductID)
		if l.VariantID != nil {
			variantIDs = append(variantIDs, *l.VariantID)
		}
	}

	products, err := s.catalog.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	variantMap := make(map[int64]*models.Variant, len(variantIDs))
	if len(variantIDs) > 0 {
		variants, err := s.catalog.GetVariantsByIDs(ctx, variantIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load variants: %w", err)
		}
		for i := range variants {
			variantMap[variants[i].ID] = &variants[i]
		}
	}

	items := make([]pricing.Item, 0, len(lines))
	var mismatches []models.CartMismatch
	for _, l := range lines {
		mismatch := models.CartMismatch{ProductID: l.ProductID, VariantID: l.VariantID}

		product, ok := productMap[l.ProductID]
		var variant *models.Variant
		if ok && l.VariantID != nil {
			variant, ok = variantMap[*l.VariantID]
			ok = ok && variant.ProductID == l.ProductID
		}
		if !ok {
			mismatch.Reason = models.MismatchNotFound
			mismatch.Message = fmt.Sprintf("%s no longer exists", l.Target())
			mismatches = append(mismatches, mismatch)
			continue
		}

		if !product.Active || (variant != nil && !variant.Active) {
			mismatch.Reason = models.MismatchInactive
			mismatch.Message = fmt.Sprintf("%s is no longer available", l.Target())
			mismatches = append(mismatches, mismatch)
			continue
		}

		current, _, err := pricing.UnitPrice(product, variant, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to price %s: %w", l.Target(), err)
		}
		if !l.UnitPrice.IsZero() && !pricing.Round(l.UnitPrice, settings.RoundingMethod).Equal(current) {
			expected := l.UnitPrice
			mismatch.Reason = models.MismatchPriceChanged
			mismatch.Message = fmt.Sprintf("price of %s changed from %s to %s", l.Target(),
				expected.StringFixed(2), current.StringFixed(2))
			mismatch.ExpectedPrice = &expected
			mismatch.CurrentPrice = &current
			mismatches = append(mismatches, mismatch)
			continue
		}

		available, err := s.ledger.AvailableStock(ctx, l.Target())
		if err != nil {
			return nil, err
		}
		if available < l.Quantity {
			mismatch.Reason = models.MismatchInsufficientStock
			mismatch.Message = fmt.Sprintf("only %d available", available)
			mismatch.Available = &available
			mismatches = append(mismatches, mismatch)
			continue
		}

		items = append(items, pricing.Item{Product: product, Variant: variant, Quantity: l.Quantity})
	}

	if len(mismatches) > 0 {
		if onlyStockShortfalls(mismatches) {
			return nil, models.NewStockShortfall(mismatches)
		}
		return nil, models.NewCartMismatch(mismatches)
	}
	return items, nil
}

func onlyStockShortfalls(mismatches []models.CartMismatch) bool {
	for _, m := range mismatches {
		if m.Reason != models.MismatchInsufficientStock {
			return false
		}
	}
	return true
}

func validateRequest(userID int64, lines []models.CartLine) error {
	var violations []string
	if userID <= 0 {
		violations = append(violations, "user_id must be positive")
	}
	if err := pricing.ValidateLines(lines); err != nil {
		var verr *models.Error
		if !errors.As(err, &verr) {
			return err
		}
		violations = append(violations, verr.Violations...)
	}
	if len(violations) > 0 {
		return models.NewValidationError(violations...)
	}
	return nil
}

func failureReason(err error) string {
	var derr *models.Error
	if errors.As(err, &derr) {
		return string(derr.Code)
	}
	return "internal"
}

// totalMinor is the intent total in gateway minor units
func totalMinor(intent *models.OrderIntent) int64 {
	return pricing.ToMinorUnits(intent.TotalAmount)
}
