package entitlement

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/types"
)

// Attachment is what the resolver needs to know about the customer product
// an entitlement belongs to.
type Attachment struct {
	AttachedAt time.Time
	// Relevant is true for active, trialing and canceling products.
	Relevant bool
}

type BreakdownEntry struct {
	EntitlementID     id.CustomerEntitlementID `json:"entitlement_id"`
	CustomerProductID id.CustomerProductID     `json:"customer_product_id"`
	FeatureKey        string                   `json:"feature_key"`
	Model             product.PricingModel     `json:"model"`
	Granted           decimal.Decimal          `json:"granted_balance"`
	Purchased         decimal.Decimal          `json:"purchased_balance"`
	// CurrentBalance is floored at zero for display.
	CurrentBalance decimal.Decimal `json:"current_balance"`
	// Balance is the signed balance.
	Balance       decimal.Decimal `json:"balance"`
	Usage         decimal.Decimal `json:"usage"`
	Unlimited     bool            `json:"unlimited"`
	ResetInterval types.Interval  `json:"reset_interval,omitempty"`
	NextResetAt   *time.Time      `json:"next_reset_at,omitempty"`
}

// Balance is the customer-level view of one feature.
type Balance struct {
	FeatureKey     string           `json:"feature_key"`
	Allowed        bool             `json:"allowed"`
	Unlimited      bool             `json:"unlimited"`
	Granted        decimal.Decimal  `json:"granted_balance"`
	Purchased      decimal.Decimal  `json:"purchased_balance"`
	CurrentBalance decimal.Decimal  `json:"current_balance"`
	NetBalance     decimal.Decimal  `json:"net_balance"`
	Usage          decimal.Decimal  `json:"usage"`
	Breakdown      []BreakdownEntry `json:"breakdown"`
}

type ResolveOptions struct {
	// ReverseOrder consumes the most recent attachment first.
	ReverseOrder bool
}

// Ordered returns the relevant entitlements for featureKey in consumption
// priority: non-prepaid before prepaid, then attachment order, then id.
func Ordered(featureKey string, ents []*CustomerEntitlement, atts map[id.CustomerProductID]Attachment, opts ResolveOptions) []*CustomerEntitlement {
	out := lo.Filter(ents, func(ce *CustomerEntitlement, _ int) bool {
		return ce.FeatureKey == featureKey && atts[ce.CustomerProductID].Relevant
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsPrepaid() != b.IsPrepaid() {
			return !a.IsPrepaid()
		}
		ta, tb := atts[a.CustomerProductID].AttachedAt, atts[b.CustomerProductID].AttachedAt
		if !ta.Equal(tb) {
			if opts.ReverseOrder {
				return ta.After(tb)
			}
			return ta.Before(tb)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

// Resolve aggregates every relevant entitlement for featureKey.
func Resolve(featureKey string, ents []*CustomerEntitlement, atts map[id.CustomerProductID]Attachment, opts ResolveOptions) Balance {
	ordered := Ordered(featureKey, ents, atts, opts)
	bal := Balance{
		FeatureKey:     featureKey,
		Breakdown:      make([]BreakdownEntry, 0, len(ordered)),
		Granted:        decimal.Zero,
		Purchased:      decimal.Zero,
		CurrentBalance: decimal.Zero,
		NetBalance:     decimal.Zero,
		Usage:          decimal.Zero,
	}
	headroom := false
	boolean := false
	for _, ce := range ordered {
		entry := BreakdownEntry{
			EntitlementID:     ce.ID,
			CustomerProductID: ce.CustomerProductID,
			FeatureKey:        ce.FeatureKey,
			Model:             ce.Model,
			Granted:           ce.Granted,
			Purchased:         ce.Purchased,
			CurrentBalance:    decimal.Max(decimal.Zero, ce.Balance),
			Balance:           ce.Balance,
			Usage:             ce.Usage(),
			Unlimited:         ce.Unlimited,
			ResetInterval:     ce.ResetInterval,
			NextResetAt:       ce.NextResetAt,
		}
		bal.Breakdown = append(bal.Breakdown, entry)
		if ce.Unlimited {
			bal.Unlimited = true
		}
		if ce.FeatureType == feature.TypeBoolean {
			boolean = true
		}
		bal.Granted = bal.Granted.Add(ce.Granted)
		bal.Purchased = bal.Purchased.Add(ce.Purchased)
		bal.CurrentBalance = bal.CurrentBalance.Add(entry.CurrentBalance)
		bal.NetBalance = bal.NetBalance.Add(ce.Balance)
		bal.Usage = bal.Usage.Add(entry.Usage)
		if ce.UsageAllowed && (ce.MinBalance == nil || ce.Balance.GreaterThan(*ce.MinBalance)) {
			headroom = true
		}
	}

	switch {
	case bal.Unlimited:
		bal.Allowed = true
	case boolean:
		bal.Allowed = len(ordered) > 0
	default:
		bal.Allowed = bal.CurrentBalance.IsPositive() || headroom
	}
	return bal
}
