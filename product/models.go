// Package product defines the catalog: products and the tagged items they
// carry.
package product

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// ItemKind tags the Item union.
type ItemKind string

const (
	KindPrice   ItemKind = "price"
	KindFeature ItemKind = "feature"
)

// PricingModel tags a feature item.
type PricingModel string

const (
	ModelFree       PricingModel = "free"
	ModelConsumable PricingModel = "consumable"
	ModelAllocated  PricingModel = "allocated"
	ModelPrepaid    PricingModel = "prepaid"
)

type Product struct {
	types.Entity
	ID          id.ProductID      `json:"id"`
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Group       string            `json:"group"`
	Currency    string            `json:"currency"`
	IsAddOn     bool              `json:"is_add_on"`
	IsDefault   bool              `json:"is_default"`
	FreeTrial   *FreeTrial        `json:"free_trial,omitempty"`
	Items       []Item            `json:"items"`
	Status      Status            `json:"status"`
	OrgID       string            `json:"org_id"`
	Env         string            `json:"env"`
	Version     int               `json:"version"`
	ProviderID  string            `json:"provider_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Description string            `json:"description,omitempty"`
}

type FreeTrial struct {
	Length       int            `json:"length"`
	Unit         types.Interval `json:"unit"`
	CardRequired bool           `json:"card_required"`
}

// EndsAt returns when a trial started at start ends.
func (f *FreeTrial) EndsAt(start time.Time) time.Time {
	return f.Unit.Add(start, f.Length)
}

// Item is a tagged union: exactly one of Price or Feature is set, matching
// Kind.
type Item struct {
	ID      id.ItemID    `json:"id"`
	Kind    ItemKind     `json:"kind"`
	Price   *PriceItem   `json:"price,omitempty"`
	Feature *FeatureItem `json:"feature,omitempty"`
}

// PriceItem is a flat charge. A zero Interval is a one-off charge.
type PriceItem struct {
	Amount          types.Money      `json:"amount"`
	Interval        types.Interval   `json:"interval,omitempty"`
	Proration       proration.Config `json:"proration,omitempty"`
	ProviderPriceID string           `json:"provider_price_id,omitempty"`
}

// FeatureItem grants allowance for a feature and optionally prices it.
type FeatureItem struct {
	FeatureKey    string           `json:"feature_key"`
	Model         PricingModel     `json:"model"`
	Included      decimal.Decimal  `json:"included"`
	Unlimited     bool             `json:"unlimited,omitempty"`
	ResetInterval types.Interval   `json:"reset_interval,omitempty"`
	// Price is per unit for consumable and allocated items, per pack for
	// prepaid items.
	Price           types.Money      `json:"price"`
	BillingUnits    decimal.Decimal  `json:"billing_units"`
	BillingInterval types.Interval   `json:"billing_interval,omitempty"`
	UsageLimit      *decimal.Decimal `json:"usage_limit,omitempty"`
	Proration       proration.Config `json:"proration,omitempty"`
	ProviderPriceID string           `json:"provider_price_id,omitempty"`
}

// NewPriceItem builds a price item.
func NewPriceItem(amount types.Money, interval types.Interval) Item {
	return Item{ID: id.NewItemID(), Kind: KindPrice, Price: &PriceItem{Amount: amount, Interval: interval}}
}

// NewFeatureItem builds a feature item.
func NewFeatureItem(fi FeatureItem) Item {
	return Item{ID: id.NewItemID(), Kind: KindFeature, Feature: &fi}
}

// IsPaid reports whether the feature item carries a price.
func (f *FeatureItem) IsPaid() bool { return f.Model != ModelFree }

// AllowsOverage reports whether balances for this item may go negative
// without caller opt-in.
func (f *FeatureItem) AllowsOverage() bool { return f.Model == ModelConsumable }

// IsOneOffPrepaid reports whether the item is a prepaid purchase without a
// recurring billing interval.
func (f *FeatureItem) IsOneOffPrepaid() bool {
	return f.Model == ModelPrepaid && !f.BillingInterval.IsRecurring()
}

// Allowance returns the balance granted for a purchased quantity.
func (f *FeatureItem) Allowance(quantity decimal.Decimal) decimal.Decimal {
	switch f.Model {
	case ModelPrepaid:
		return f.Included.Add(quantity)
	default:
		return f.Included
	}
}

// ProrationConfig maps the item onto a proration cost model.
func (i Item) ProrationConfig(quantity decimal.Decimal) proration.ItemConfig {
	switch i.Kind {
	case KindPrice:
		return proration.ItemConfig{
			Model:    proration.ModelFlat,
			Price:    i.Price.Amount,
			Quantity: decimal.NewFromInt(1),
			Config:   i.Price.Proration,
		}
	default:
		f := i.Feature
		cfg := proration.ItemConfig{
			Price:        f.Price,
			Quantity:     quantity,
			Included:     f.Included,
			BillingUnits: f.BillingUnits,
			Config:       f.Proration,
		}
		switch f.Model {
		case ModelAllocated:
			cfg.Model = proration.ModelAllocated
		case ModelPrepaid:
			// Prepaid quantity is purchased on top of the included grant.
			cfg.Model = proration.ModelPrepaid
			cfg.Included = decimal.Zero
		case ModelConsumable:
			cfg.Model = proration.ModelConsumable
		default:
			cfg.Model = proration.ModelFree
		}
		return cfg
	}
}

// FindFeature returns the first feature item for key.
func (p *Product) FindFeature(key string) *FeatureItem {
	for _, it := range p.Items {
		if it.Kind == KindFeature && it.Feature.FeatureKey == key {
			return it.Feature
		}
	}
	return nil
}

// FeatureItems returns the feature items in declaration order.
func (p *Product) FeatureItems() []Item {
	var out []Item
	for _, it := range p.Items {
		if it.Kind == KindFeature {
			out = append(out, it)
		}
	}
	return out
}

// BillingInterval returns the product's recurring interval, or none for
// products that only carry one-off or free items.
func (p *Product) BillingInterval() types.Interval {
	for _, it := range p.Items {
		switch {
		case it.Kind == KindPrice && it.Price.Interval.IsRecurring():
			return it.Price.Interval
		case it.Kind == KindFeature && it.Feature.IsPaid() && it.Feature.BillingInterval.IsRecurring():
			return it.Feature.BillingInterval
		}
	}
	return types.IntervalNone
}

// IsFree reports whether no item carries a charge.
func (p *Product) IsFree() bool {
	for _, it := range p.Items {
		if it.Kind == KindPrice && !it.Price.Amount.IsZero() {
			return false
		}
		if it.Kind == KindFeature && it.Feature.IsPaid() {
			return false
		}
	}
	return true
}
