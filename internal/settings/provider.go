package settings

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cacheKey = "checkout:settings"

// Repository is the configuration collaborator
type Repository interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	ListPricingRules(ctx context.Context) ([]models.PricingRule, error)
}

// Cache is a shared snapshot cache, typically Redis
type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

// Defaults applies when a key is missing or unparsable
func Defaults() models.Settings {
	return models.Settings{
		TaxPercentage:         decimal.NewFromInt(18),
		FreeShippingThreshold: decimal.NewFromInt(5000),
		ShippingCharge:        decimal.NewFromInt(50),
		RoundingMethod:        models.RoundNearest,
		LockDuration:          30 * time.Minute,
		CheckoutEnabled:       true,
		MaintenanceMode:       false,
		Currency:              "INR",
	}
}

// Provider serves typed settings snapshots. Lookups go to a process-local copy,
// then the shared cache, then the repository.
type Provider struct {
	repo   Repository
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	local    *models.Settings
	loadedAt time.Time
	now      func() time.Time
}

// NewProvider creates a provider. cache may be nil; a zero ttl disables caching.
func NewProvider(repo Repository, cache Cache, ttl time.Duration) *Provider {
	return &Provider{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Snapshot returns the current settings
func (p *Provider) Snapshot(ctx context.Context) (models.Settings, error) {
	if s, ok := p.fresh(); ok {
		return s, nil
	}

	if p.cache != nil && p.ttl > 0 {
		var cached models.Settings
		hit, err := p.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			p.logger.Warn("Settings cache read failed", zap.Error(err))
		} else if hit {
			p.remember(cached)
			return cached, nil
		}
	}

	s, err := p.load(ctx)
	if err != nil {
		return models.Settings{}, err
	}

	if p.cache != nil && p.ttl > 0 {
		if err := p.cache.SetJSON(ctx, cacheKey, s, p.ttl); err != nil {
			p.logger.Warn("Settings cache write failed", zap.Error(err))
		}
	}
	p.remember(s)
	return s, nil
}

// Invalidate drops the process-local copy
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.local = nil
	p.mu.Unlock()
}

func (p *Provider) fresh() (models.Settings, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil || p.ttl <= 0 || p.now().Sub(p.loadedAt) >= p.ttl {
		return models.Settings{}, false
	}
	return *p.local, true
}

func (p *Provider) remember(s models.Settings) {
	if p.ttl <= 0 {
		return
	}
	p.mu.Lock()
	p.local = &s
	p.loadedAt = p.now()
	p.mu.Unlock()
}

func (p *Provider) load(ctx context.Context) (models.Settings, error) {
	values, err := p.repo.GetSettings(ctx)
	if err != nil {
		p.logger.Error("Failed to load settings", zap.Error(err))
		return models.Settings{}, models.NewServiceUnavailable("settings unavailable")
	}
	rules, err := p.repo.ListPricingRules(ctx)
	if err != nil {
		p.logger.Error("Failed to load pricing rules", zap.Error(err))
		return models.Settings{}, models.NewServiceUnavailable("pricing rules unavailable")
	}

	s := Parse(values, p.logger)
	s.Rules = rules
	return s, nil
}

// Parse builds a snapshot from raw key/value settings over the defaults
func Parse(values map[string]string, logger *zap.Logger) models.Settings {
	s := Defaults()
	bad := func(key, value string) {
		if logger != nil {
			logger.Warn("Ignoring invalid setting", zap.String("key", key), zap.String("value", value))
		}
	}

	for key, raw := range values {
		value := strings.TrimSpace(raw)
		switch key {
		case models.SettingTaxPercentage, models.SettingFreeShippingThreshold, models.SettingShippingCharge:
			d, err := decimal.NewFromString(value)
			if err != nil || d.IsNegative() {
				bad(key, raw)
				continue
			}
			switch key {
			case models.SettingTaxPercentage:
				s.TaxPercentage = d
			case models.SettingFreeShippingThreshold:
				s.FreeShippingThreshold = d
			default:
				s.ShippingCharge = d
			}
		case models.SettingPriceRoundingMethod:
			switch m := models.RoundingMethod(strings.ToLower(value)); m {
			case models.RoundNearest, models.RoundFloor, models.RoundCeil:
				s.RoundingMethod = m
			default:
				bad(key, raw)
			}
		case models.SettingLockDurationMinutes:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				bad(key, raw)
				continue
			}
			s.LockDuration = time.Duration(n) * time.Minute
		case models.SettingCheckoutEnabled, models.SettingMaintenanceMode:
			b, err := strconv.ParseBool(value)
			if err != nil {
				bad(key, raw)
				continue
			}
			if key == models.SettingCheckoutEnabled {
				s.CheckoutEnabled = b
			} else {
				s.MaintenanceMode = b
			}
		case models.SettingCurrency:
			if value == "" {
				bad(key, raw)
				continue
			}
			s.Currency = strings.ToUpper(value)
		}
	}
	return s
}
