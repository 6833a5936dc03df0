package pricing

import (
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"checkout-engine/internal/models"
)

// winningRules picks, per rule kind, the matching active rule with the highest
// priority. Equal priorities are decided by the higher id. The result is in
// application order.
func winningRules(rules []models.PricingRule, product *models.Product) []models.PricingRule {
	byKind := make(map[models.RuleKind][]models.PricingRule)
	for _, r := range rules {
		if !r.Active || !ruleMatches(r, product) {
			continue
		}
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}

	winners := make([]models.PricingRule, 0, len(models.RuleKinds))
	for _, kind := range models.RuleKinds {
		candidates := byKind[kind]
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].ID < candidates[j].ID
		})
		// last evaluated wins
		winners = append(winners, candidates[len(candidates)-1])
	}
	return winners
}

func ruleMatches(r models.PricingRule, product *models.Product) bool {
	switch r.Kind {
	case models.RuleMetalType:
		return product.MetalType != "" && strings.EqualFold(product.MetalType, r.MatchValue)
	case models.RuleCategory:
		return product.Category != "" && strings.EqualFold(product.Category, r.MatchValue)
	case models.RuleWeight:
		return product.WeightGrams.GreaterThanOrEqual(r.MinWeightGrams)
	default:
		return false
	}
}

// applyRule adjusts a unit price by one rule. Negative values are markdowns.
func applyRule(price decimal.Decimal, r models.PricingRule, method models.RoundingMethod) (decimal.Decimal, error) {
	switch r.AdjustmentType {
	case models.AdjustPercentage:
		price = price.Add(price.Mul(r.Value).Div(hundred))
	case models.AdjustFlat:
		price = price.Add(r.Value)
	default:
		return zero, errors.Errorf("pricing rule %d: unsupported adjustment type %q", r.ID, r.AdjustmentType)
	}
	return Round(floorAtZero(price), method), nil
}
