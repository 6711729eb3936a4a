// Package subscription models products attached to a customer or entity
// and drives their lifecycle.
package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusCanceling Status = "canceling"
	StatusExpired   Status = "expired"
)

// IsRelevant reports whether entitlements of the product count toward
// balances.
func (s Status) IsRelevant() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusCanceling
}

// CustomerProduct is one attachment of a product to a customer or entity.
// Items are snapshotted at attach time.
type CustomerProduct struct {
	types.Entity
	ID                 id.CustomerProductID `json:"id"`
	CustomerID         id.CustomerID        `json:"customer_id"`
	EntityID           id.EntityID          `json:"entity_id,omitempty"`
	ProductID          id.ProductID         `json:"product_id"`
	ProductKey         string               `json:"product_key"`
	Group              string               `json:"group"`
	IsAddOn            bool                 `json:"is_add_on"`
	Currency           string               `json:"currency"`
	Items              []product.Item       `json:"items"`
	Prices             []CustomerPrice      `json:"prices,omitempty"`
	Options            []Option             `json:"options,omitempty"`
	Quantity           int64                `json:"quantity"`
	Status             Status               `json:"status"`
	StartsAt           time.Time            `json:"starts_at"`
	TrialEndsAt        *time.Time           `json:"trial_ends_at,omitempty"`
	CanceledAt         *time.Time           `json:"canceled_at,omitempty"`
	EndedAt            *time.Time           `json:"ended_at,omitempty"`
	BillingInterval    types.Interval       `json:"billing_interval,omitempty"`
	CurrentPeriodStart time.Time            `json:"current_period_start"`
	CurrentPeriodEnd   time.Time            `json:"current_period_end"`
	SubscriptionIDs    []string             `json:"subscription_ids,omitempty"`
	ScheduleIDs        []string             `json:"schedule_ids,omitempty"`
	OrgID              string               `json:"org_id"`
	Env                string               `json:"env"`
	Metadata           map[string]string    `json:"metadata,omitempty"`
}

// CustomerPrice is the billing configuration of one paid item.
type CustomerPrice struct {
	ID              id.CustomerPriceID `json:"id"`
	ItemID          id.ItemID          `json:"item_id"`
	FeatureKey      string             `json:"feature_key,omitempty"`
	Model           proration.Model    `json:"model"`
	Amount          types.Money        `json:"amount"`
	Interval        types.Interval     `json:"interval,omitempty"`
	Proration       proration.Config   `json:"proration"`
	ProviderPriceID string             `json:"provider_price_id,omitempty"`
	// CorrelationID matches inline prices on a remote schedule.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Option carries the purchased quantity for a prepaid feature.
// UpcomingQuantity applies at the next renewal.
type Option struct {
	FeatureKey       string           `json:"feature_key"`
	Quantity         decimal.Decimal  `json:"quantity"`
	UpcomingQuantity *decimal.Decimal `json:"upcoming_quantity,omitempty"`
}

// Option returns the option for featureKey.
func (cp *CustomerProduct) Option(featureKey string) (Option, bool) {
	for _, o := range cp.Options {
		if o.FeatureKey == featureKey {
			return o, true
		}
	}
	return Option{}, false
}

// SetOption inserts or replaces an option.
func (cp *CustomerProduct) SetOption(o Option) {
	for i := range cp.Options {
		if cp.Options[i].FeatureKey == o.FeatureKey {
			cp.Options[i] = o
			return
		}
	}
	cp.Options = append(cp.Options, o)
}

// QuantityOf returns the purchased quantity of a feature, zero if unset.
func (cp *CustomerProduct) QuantityOf(featureKey string) decimal.Decimal {
	if o, ok := cp.Option(featureKey); ok {
		return o.Quantity
	}
	return decimal.Zero
}

// Item returns the snapshotted item with itemID.
func (cp *CustomerProduct) Item(itemID id.ItemID) (product.Item, bool) {
	for _, it := range cp.Items {
		if it.ID == itemID {
			return it, true
		}
	}
	return product.Item{}, false
}

// Snapshot returns a product value built from the attached items, used for
// value comparison.
func (cp *CustomerProduct) Snapshot() *product.Product {
	return &product.Product{ID: cp.ProductID, Key: cp.ProductKey, Group: cp.Group, IsAddOn: cp.IsAddOn, Currency: cp.Currency, Items: cp.Items}
}

// Period returns the current billing period.
func (cp *CustomerProduct) Period() types.Period {
	return types.Period{Start: cp.CurrentPeriodStart, End: cp.CurrentPeriodEnd}
}

// InTrial reports whether cp's free trial is still running at now. A
// product canceled during its trial keeps trialing until the trial ends.
func (cp *CustomerProduct) InTrial(now time.Time) bool {
	return cp.TrialEndsAt != nil && now.Before(*cp.TrialEndsAt)
}

// TermEnd is when a canceling product stops: its trial end while trialing,
// otherwise the end of the current period.
func (cp *CustomerProduct) TermEnd() time.Time {
	if cp.Status == StatusTrialing && cp.TrialEndsAt != nil {
		return *cp.TrialEndsAt
	}
	return cp.CurrentPeriodEnd
}

// HasSubscription reports whether cp is linked to the remote subscription.
func (cp *CustomerProduct) HasSubscription(subscriptionID string) bool {
	for _, s := range cp.SubscriptionIDs {
		if s == subscriptionID {
			return true
		}
	}
	return false
}

// PricesFromItems builds the customer prices for every paid item.
func PricesFromItems(items []product.Item) []CustomerPrice {
	var out []CustomerPrice
	for _, it := range items {
		switch it.Kind {
		case product.KindPrice:
			out = append(out, CustomerPrice{
				ID:              id.NewCustomerPriceID(),
				ItemID:          it.ID,
				Model:           proration.ModelFlat,
				Amount:          it.Price.Amount,
				Interval:        it.Price.Interval,
				Proration:       it.Price.Proration.Normalize(),
				ProviderPriceID: it.Price.ProviderPriceID,
				CorrelationID:   it.ID.String(),
			})
		case product.KindFeature:
			if !it.Feature.IsPaid() {
				continue
			}
			out = append(out, CustomerPrice{
				ID:              id.NewCustomerPriceID(),
				ItemID:          it.ID,
				FeatureKey:      it.Feature.FeatureKey,
				Model:           it.ProrationConfig(decimal.Zero).Model,
				Amount:          it.Feature.Price,
				Interval:        it.Feature.BillingInterval,
				Proration:       it.Feature.Proration.Normalize(),
				ProviderPriceID: it.Feature.ProviderPriceID,
				CorrelationID:   it.ID.String(),
			})
		}
	}
	return out
}
