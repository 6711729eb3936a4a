package product

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/types"
)

var (
	ErrInvalidItem    = errors.New("product: invalid item")
	ErrUnknownFeature = errors.New("product: unknown feature")
)

// Validate checks the item union and every feature item against the catalog.
// features is keyed by feature key.
func (p *Product) Validate(features map[string]*feature.Feature) error {
	if p.Key == "" && p.Name == "" {
		return fmt.Errorf("%w: product needs a key or name", ErrInvalidItem)
	}
	if p.FreeTrial != nil && (p.FreeTrial.Length <= 0 || !p.FreeTrial.Unit.IsRecurring()) {
		return fmt.Errorf("%w: free trial needs a positive length and unit", ErrInvalidItem)
	}
	seen := make(map[string]bool)
	for i, it := range p.Items {
		if err := it.validate(p.Currency, features); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
		if it.Kind == KindFeature {
			if seen[it.Feature.FeatureKey] {
				return fmt.Errorf("items[%d]: %w: duplicate feature %q", i, ErrInvalidItem, it.Feature.FeatureKey)
			}
			seen[it.Feature.FeatureKey] = true
		}
	}
	return nil
}

func (it Item) validate(currency string, features map[string]*feature.Feature) error {
	switch it.Kind {
	case KindPrice:
		if it.Price == nil || it.Feature != nil {
			return fmt.Errorf("%w: price item must carry only a price", ErrInvalidItem)
		}
		if it.Price.Amount.IsNegative() {
			return fmt.Errorf("%w: negative price", ErrInvalidItem)
		}
		if !it.Price.Interval.Valid() {
			return fmt.Errorf("%w: unknown interval %q", ErrInvalidItem, it.Price.Interval)
		}
		if err := checkCurrency(it.Price.Amount, currency); err != nil {
			return err
		}
		return it.Price.Proration.Validate()
	case KindFeature:
		if it.Feature == nil || it.Price != nil {
			return fmt.Errorf("%w: feature item must carry only a feature", ErrInvalidItem)
		}
		return it.Feature.validate(currency, features)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, it.Kind)
	}
}

func (f *FeatureItem) validate(currency string, features map[string]*feature.Feature) error {
	feat, ok := features[f.FeatureKey]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFeature, f.FeatureKey)
	}
	if !f.ResetInterval.Valid() || !f.BillingInterval.Valid() {
		return fmt.Errorf("%w: unknown interval", ErrInvalidItem)
	}
	if f.Included.IsNegative() {
		return fmt.Errorf("%w: negative included usage", ErrInvalidItem)
	}
	if feat.Type == feature.TypeBoolean && f.Model != ModelFree {
		return fmt.Errorf("%w: boolean feature %q cannot be priced", ErrInvalidItem, f.FeatureKey)
	}

	switch f.Model {
	case ModelFree:
		if !f.Price.IsZero() {
			return fmt.Errorf("%w: free item %q carries a price", ErrInvalidItem, f.FeatureKey)
		}
		return nil
	case ModelConsumable, ModelAllocated, ModelPrepaid:
	default:
		return fmt.Errorf("%w: unknown pricing model %q", ErrInvalidItem, f.Model)
	}

	if f.Unlimited {
		return fmt.Errorf("%w: priced item %q cannot be unlimited", ErrInvalidItem, f.FeatureKey)
	}
	if f.Price.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidItem)
	}
	if err := checkCurrency(f.Price, currency); err != nil {
		return err
	}
	if f.Model == ModelPrepaid && !f.BillingUnits.IsPositive() {
		return fmt.Errorf("%w: prepaid item %q needs billing units", ErrInvalidItem, f.FeatureKey)
	}
	if f.Model != ModelPrepaid && !f.BillingInterval.IsRecurring() {
		return fmt.Errorf("%w: %s item %q needs a billing interval", ErrInvalidItem, f.Model, f.FeatureKey)
	}
	if f.Model == ModelConsumable && f.ResetInterval.IsRecurring() && f.ResetInterval != f.BillingInterval {
		// Overage is read off the balance when the period is billed.
		return fmt.Errorf("%w: consumable item %q must reset with its billing interval", ErrInvalidItem, f.FeatureKey)
	}
	if f.Model == ModelAllocated && (feat.Type != feature.TypeMetered || !feat.IsContinuous()) {
		// Seats are billed off held usage, which must not reset.
		return fmt.Errorf("%w: allocated item %q needs a continuous metered feature", ErrInvalidItem, f.FeatureKey)
	}
	if f.UsageLimit != nil && f.UsageLimit.LessThan(f.Included) {
		return fmt.Errorf("%w: usage limit below included usage", ErrInvalidItem)
	}
	return f.Proration.Validate()
}

func checkCurrency(m types.Money, currency string) error {
	if currency != "" && m.Currency != "" && m.Currency != currency {
		return fmt.Errorf("%w: currency %s does not match product currency %s", ErrInvalidItem, m.Currency, currency)
	}
	return nil
}

// Value is the product's flat charge with recurring prices normalized to one
// month. Quantity-priced feature items are not counted.
func (p *Product) Value() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Items {
		if it.Kind != KindPrice {
			continue
		}
		total = total.Add(it.Price.Interval.Monthly(it.Price.Amount.Decimal()))
	}
	return total
}

// Compare orders two products by Value: -1 when a is cheaper, 1 when a is
// more expensive, 0 when equal.
func Compare(a, b *Product) int {
	return a.Value().Cmp(b.Value())
}

// IsUpgrade reports whether moving from current to target is an upgrade.
// Equal value counts as an upgrade.
func IsUpgrade(current, target *Product) bool {
	return Compare(target, current) >= 0
}
