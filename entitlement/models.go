// Package entitlement holds per-attachment feature balances and resolves
// them into a customer-level balance.
package entitlement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/types"
)

var (
	ErrInsufficientBalance = errors.New("entitlement: insufficient balance")
	ErrNoEntitlement       = errors.New("entitlement: no entitlement for feature")
)

// CustomerEntitlement is the balance of one feature granted by one customer
// product. Balance is signed: negative is overage, above Allowance is credit.
type CustomerEntitlement struct {
	types.Entity
	ID                id.CustomerEntitlementID `json:"id"`
	CustomerProductID id.CustomerProductID     `json:"customer_product_id"`
	CustomerID        id.CustomerID            `json:"customer_id"`
	EntityID          id.EntityID              `json:"entity_id,omitempty"`
	ItemID            id.ItemID                `json:"item_id"`
	FeatureKey        string                   `json:"feature_key"`
	FeatureType       feature.Type             `json:"feature_type"`
	Model             product.PricingModel     `json:"model"`
	BillingInterval   types.Interval           `json:"billing_interval,omitempty"`
	Granted           decimal.Decimal          `json:"granted"`
	Purchased         decimal.Decimal          `json:"purchased"`
	Balance           decimal.Decimal          `json:"balance"`
	Unlimited         bool                     `json:"unlimited"`
	// UsageAllowed permits the balance to go negative without caller opt-in.
	UsageAllowed bool `json:"usage_allowed"`
	// MinBalance is the hard floor; nil means no floor when overage is
	// permitted.
	MinBalance    *decimal.Decimal `json:"min_balance,omitempty"`
	ResetInterval types.Interval   `json:"reset_interval,omitempty"`
	NextResetAt   *time.Time       `json:"next_reset_at,omitempty"`
	OrgID         string           `json:"org_id"`
	Env           string           `json:"env"`
}

// Allowance is what the entitlement grants this cycle.
func (ce *CustomerEntitlement) Allowance() decimal.Decimal {
	return ce.Granted.Add(ce.Purchased)
}

// Usage is always Allowance minus Balance.
func (ce *CustomerEntitlement) Usage() decimal.Decimal {
	return ce.Allowance().Sub(ce.Balance)
}

// IsPrepaid reports whether the balance was purchased in packs.
func (ce *CustomerEntitlement) IsPrepaid() bool { return ce.Model == product.ModelPrepaid }

// IsOneOffPrepaid reports whether the entitlement qualifies for auto top-up.
func (ce *CustomerEntitlement) IsOneOffPrepaid() bool {
	return ce.IsPrepaid() && !ce.BillingInterval.IsRecurring()
}

// Clone returns a deep copy.
func (ce *CustomerEntitlement) Clone() *CustomerEntitlement {
	c := *ce
	if ce.MinBalance != nil {
		v := *ce.MinBalance
		c.MinBalance = &v
	}
	if ce.NextResetAt != nil {
		v := *ce.NextResetAt
		c.NextResetAt = &v
	}
	return &c
}

// FromItem creates a fresh entitlement for a feature item at
// balance = allowance.
func FromItem(item product.Item, feat *feature.Feature, quantity decimal.Decimal, now time.Time) *CustomerEntitlement {
	fi := item.Feature
	ce := &CustomerEntitlement{
		Entity:          types.NewEntity(),
		ID:              id.NewCustomerEntitlementID(),
		ItemID:          item.ID,
		FeatureKey:      fi.FeatureKey,
		FeatureType:     feat.Type,
		Model:           fi.Model,
		BillingInterval: fi.BillingInterval,
		Granted:         fi.Included,
		Unlimited:       fi.Unlimited,
		UsageAllowed:    fi.AllowsOverage(),
		ResetInterval:   fi.ResetInterval,
	}
	if fi.Model == product.ModelPrepaid {
		ce.Purchased = quantity
	}
	if fi.UsageLimit != nil {
		floor := ce.Allowance().Sub(*fi.UsageLimit)
		ce.MinBalance = &floor
		ce.UsageAllowed = true
	}
	if feat.IsContinuous() {
		// Continuous usage is held, not consumed per cycle.
		ce.ResetInterval = types.IntervalNone
	}
	ce.Balance = ce.Allowance()
	if ce.ResetInterval.IsRecurring() {
		next := ce.ResetInterval.Add(now, 1)
		ce.NextResetAt = &next
	}
	return ce
}
