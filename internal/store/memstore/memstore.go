// Package memstore is an in-process implementation of the checkout
// repositories. One mutex stands in for the row-level atomicity of the
// Postgres statements, so every conditional update here is also atomic.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"checkout-engine/internal/models"
)

type redemptionKey struct {
	discountID int64
	intentID   string
}

// Store keeps every table in maps guarded by one mutex
type Store struct {
	mu sync.Mutex

	products    map[int64]*models.Product
	variants    map[int64]*models.Variant
	locks       map[string]*models.InventoryLock
	discounts   map[int64]*models.Discount
	redemptions map[redemptionKey]time.Time
	intents     map[string]*models.OrderIntent
	orders      map[string]*models.Order
	audit       []models.AuditEntry
	processed   map[string]models.ProcessedEvent
	settings    map[string]string
	rules       []models.PricingRule

	nextID int64

	// failures injected by tests, keyed by operation name
	failures map[string]error
}

// New creates an empty store
func New() *Store {
	return &Store{
		products:    make(map[int64]*models.Product),
		variants:    make(map[int64]*models.Variant),
		locks:       make(map[string]*models.InventoryLock),
		discounts:   make(map[int64]*models.Discount),
		redemptions: make(map[redemptionKey]time.Time),
		intents:     make(map[string]*models.OrderIntent),
		orders:      make(map[string]*models.Order),
		processed:   make(map[string]models.ProcessedEvent),
		settings:    make(map[string]string),
		failures:    make(map[string]error),
	}
}

// FailNext makes the next call of op return err
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// fail returns and clears an injected failure. Caller holds mu.
func (s *Store) fail(op string) error {
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// AddProduct inserts or replaces a product, assigning an id when zero
func (s *Store) AddProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.products[p.ID] = &p
	return p
}

// AddVariant inserts or replaces a variant, assigning an id when zero
func (s *Store) AddVariant(v models.Variant) models.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.id()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	s.variants[v.ID] = &v
	return v
}

// AddDiscount inserts or replaces a discount, assigning an id when zero
func (s *Store) AddDiscount(d models.Discount) models.Discount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.id()
	}
	s.discounts[d.ID] = &d
	return d
}

// SetSetting stores one configuration value
func (s *Store) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// AddPricingRule appends a pricing rule, assigning an id when zero
func (s *Store) AddPricingRule(r models.PricingRule) models.PricingRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	s.rules = append(s.rules, r)
	return r
}

// AuditEntries returns a copy of the audit log
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// CountOrders returns how many orders exist
func (s *Store) CountOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// CountIntents returns how many intents exist
func (s *Store) CountIntents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}

// GetProductsByIDs returns the products that exist among ids
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Product, 0, len(ids))
	for _, id := range dedupe(ids) {
		if p, ok := s.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

// GetVariantsByIDs returns the variants that exist among ids
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Variant, 0, len(ids))
	for _, id := range dedupe(ids) {
		if v, ok := s.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

// stockOf returns a pointer to the stock counter of target. Caller holds mu.
func (s *Store) stockOf(target models.Target) (*int, bool) {
	switch target.Kind {
	case models.TargetProduct:
		if p, ok := s.products[target.ID]; ok {
			return &p.Stock, true
		}
	case models.TargetVariant:
		if v, ok := s.variants[target.ID]; ok {
			return &v.Stock, true
		}
	}
	return nil, false
}

func (s *Store) GetStock(ctx context.Context, target models.Target) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stock, ok := s.stockOf(target)
	if !ok {
		return 0, models.ErrNotFound
	}
	return *stock, nil
}

func (s *Store) ConditionalAdjustStock(ctx context.Context, target models.Target, delta int, requireFloorZero bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ConditionalAdjustStock"); err != nil {
		return false, err
	}
	stock, ok := s.stockOf(target)
	if !ok {
		return false, nil
	}
	if requireFloorZero && *stock+delta < 0 {
		return false, nil
	}
	*stock += delta
	return true, nil
}

func (s *Store) CreateLock(ctx context.Context, lock *models.InventoryLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateLock"); err != nil {
		return err
	}
	cp := *lock
	s.locks[lock.ID] = &cp
	return nil
}

func (s *Store) GetLock(ctx context.Context, id string) (*models.InventoryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *lock
	return &cp, nil
}

func (s *Store) ListLocksByIntent(ctx context.Context, intentID string) ([]models.InventoryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InventoryLock
	for _, lock := range s.locks {
		if lock.IntentID == intentID {
			out = append(out, *lock)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target().Less(out[j].Target()) })
	return out, nil
}

// intentConverted reports whether the lock's intent has converted. Caller holds mu.
func (s *Store) intentConverted(intentID string) bool {
	intent, ok := s.intents[intentID]
	return ok && intent.Status == models.IntentStatusConverted
}

func (s *Store) ReleaseLock(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ReleaseLock"); err != nil {
		return false, err
	}
	lock, ok := s.locks[id]
	if !ok || lock.Status != models.LockStatusLocked || s.intentConverted(lock.IntentID) {
		return false, nil
	}
	lock.Status = models.LockStatusReleased
	lock.UpdatedAt = now
	if stock, ok := s.stockOf(lock.Target()); ok {
		*stock += lock.QuantityLocked
	}
	return true, nil
}

func (s *Store) ConvertLock(ctx context.Context, id, orderID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ConvertLock"); err != nil {
		return false, err
	}
	lock, ok := s.locks[id]
	if !ok || lock.Status != models.LockStatusLocked {
		return false, nil
	}
	lock.Status = models.LockStatusConverted
	lock.OrderID = &orderID
	lock.UpdatedAt = now
	return true, nil
}

func (s *Store) ListLapsedLocks(ctx context.Context, target *models.Target, now time.Time, limit int) ([]models.InventoryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InventoryLock
	for _, lock := range s.locks {
		if !lock.Lapsed(now) || s.intentConverted(lock.IntentID) {
			continue
		}
		if target != nil && lock.Target() != *target {
			continue
		}
		out = append(out, *lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetDiscountByCode(ctx context.Context, code string) (*models.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.discounts {
		if d.Code == code {
			cp := *d
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) GetDiscount(ctx context.Context, id int64) (*models.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) LockDiscount(ctx context.Context, id int64, intentID string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LockDiscount"); err != nil {
		return false, err
	}
	d, ok := s.discounts[id]
	if !ok || !d.Active || d.Exhausted() {
		return false, nil
	}
	if holder, held := d.LockHolder(now); held && holder != intentID {
		return false, nil
	}
	d.LockedByIntentID = &intentID
	d.LockedUntil = &until
	return true, nil
}

func (s *Store) UnlockDiscount(ctx context.Context, id int64, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UnlockDiscount"); err != nil {
		return err
	}
	d, ok := s.discounts[id]
	if !ok || d.LockedByIntentID == nil || *d.LockedByIntentID != intentID {
		return nil
	}
	d.LockedByIntentID = nil
	d.LockedUntil = nil
	return nil
}

func (s *Store) RedeemDiscount(ctx context.Context, id int64, intentID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RedeemDiscount"); err != nil {
		return false, err
	}
	d, ok := s.discounts[id]
	if !ok {
		return false, models.ErrNotFound
	}
	key := redemptionKey{discountID: id, intentID: intentID}
	_, done := s.redemptions[key]
	if !done {
		s.redemptions[key] = now
		d.UsedCount++
	}
	if d.LockedByIntentID != nil && *d.LockedByIntentID == intentID {
		d.LockedByIntentID = nil
		d.LockedUntil = nil
	}
	return !done, nil
}

func (s *Store) CreateIntent(ctx context.Context, intent *models.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateIntent"); err != nil {
		return err
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*models.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *Store) GetIntentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, intent := range s.intents {
		if intent.GatewayOrderID != nil && *intent.GatewayOrderID == gatewayOrderID {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) ListIntentsByUser(ctx context.Context, userID int64, limit int) ([]models.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderIntent
	for _, intent := range s.intents {
		if intent.UserID == userID {
			out = append(out, *intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListLapsedIntents(ctx context.Context, now time.Time, limit int) ([]models.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderIntent
	for _, intent := range s.intents {
		if intent.Lapsed(now) {
			out = append(out, *intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CancelIntent(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok || intent.Status != models.IntentStatusCreated || !now.Before(intent.ExpiresAt) {
		return false, nil
	}
	intent.Status = models.IntentStatusCancelled
	intent.UpdatedAt = now
	return true, nil
}

func (s *Store) ExpireIntent(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok || !intent.Lapsed(now) {
		return false, nil
	}
	intent.Status = models.IntentStatusExpired
	intent.UpdatedAt = now
	return true, nil
}

func (s *Store) SetGatewayOrderID(ctx context.Context, id, gatewayOrderID string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return "", models.ErrNotFound
	}
	if intent.GatewayOrderID == nil {
		intent.GatewayOrderID = &gatewayOrderID
		intent.UpdatedAt = now
	}
	return *intent.GatewayOrderID, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyOrder(order), nil
}

func (s *Store) GetOrderByIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderByIntent(intentID), nil
}

// orderByIntent returns a copy of the intent's order or nil. Caller holds mu.
func (s *Store) orderByIntent(intentID string) *models.Order {
	for _, order := range s.orders {
		if order.IntentID == intentID {
			return copyOrder(order)
		}
	}
	return nil
}

func (s *Store) SettleIntent(ctx context.Context, order *models.Order, now time.Time) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SettleIntent"); err != nil {
		return nil, false, err
	}

	if existing := s.orderByIntent(order.IntentID); existing != nil {
		return existing, false, nil
	}

	intent, ok := s.intents[order.IntentID]
	if !ok {
		return nil, false, models.NewIntentNotFound(order.IntentID)
	}
	if intent.Lapsed(now) || intent.Status == models.IntentStatusExpired {
		return nil, false, models.NewIntentExpired(intent.ID)
	}
	if !intent.Status.CanTransitionTo(models.IntentStatusConverted) {
		return nil, false, models.NewIntentInvalidState(intent.ID, intent.Status, "convert")
	}

	stored := copyOrder(order)
	stored.CreatedAt = now
	for i := range stored.Items {
		stored.Items[i].ID = s.id()
		stored.Items[i].OrderID = stored.ID
	}
	s.orders[stored.ID] = stored

	intent.Status = models.IntentStatusConverted
	intent.PaymentID = order.PaymentID
	intent.UpdatedAt = now

	return copyOrder(stored), true, nil
}

func (s *Store) InsertAudit(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertAudit"); err != nil {
		return err
	}
	entry.ID = s.id()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now()}
	}
	return nil
}

// GetSettings returns every stored configuration value
func (s *Store) GetSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// ListPricingRules returns the active pricing rules
func (s *Store) ListPricingRules(ctx context.Context) ([]models.PricingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PricingRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// String is used in logs
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "memstore(products=" + strconv.Itoa(len(s.products)) + ", intents=" + strconv.Itoa(len(s.intents)) + ")"
}
