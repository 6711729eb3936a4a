package entitlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEnt(cp id.CustomerProductID, model product.PricingModel, granted, balance string) *CustomerEntitlement {
	return &CustomerEntitlement{
		ID:                id.NewCustomerEntitlementID(),
		CustomerProductID: cp,
		FeatureKey:        "messages",
		FeatureType:       feature.TypeMetered,
		Model:             model,
		Granted:           dec(granted),
		Purchased:         decimal.Zero,
		Balance:           dec(balance),
		UsageAllowed:      model == product.ModelConsumable,
	}
}

func TestDecimalPrecision(t *testing.T) {
	ce := newEnt(id.NewCustomerProductID(), product.ModelFree, "100", "100")
	SetBalance(ce, dec("72.65"))
	require.NoError(t, ApplyUsage(ce, dec("27.35"), false))

	assert.Equal(t, "45.3", ce.Balance.String())
	assert.True(t, ce.Balance.Equal(dec("45.30")))
	assert.True(t, ce.Usage().Equal(dec("54.70")))
	assert.True(t, ce.Granted.Equal(dec("100")), "override never re-grants")
}

func TestApplyUsage(t *testing.T) {
	t.Run("free rejects overage and leaves balance", func(t *testing.T) {
		ce := newEnt(id.NewCustomerProductID(), product.ModelFree, "10", "3")
		err := ApplyUsage(ce, dec("5"), false)
		require.ErrorIs(t, err, ErrInsufficientBalance)
		assert.True(t, ce.Balance.Equal(dec("3")))
	})

	t.Run("caller opt-in permits overage", func(t *testing.T) {
		ce := newEnt(id.NewCustomerProductID(), product.ModelAllocated, "10", "3")
		require.NoError(t, ApplyUsage(ce, dec("5"), true))
		assert.True(t, ce.Balance.Equal(dec("-2")))
		assert.True(t, ce.Usage().Equal(dec("12")), "usage = allowance - balance holds in overage")
	})

	t.Run("consumable spills negative", func(t *testing.T) {
		ce := newEnt(id.NewCustomerProductID(), product.ModelConsumable, "10", "0")
		require.NoError(t, ApplyUsage(ce, dec("4"), false))
		assert.True(t, ce.Balance.Equal(dec("-4")))
	})

	t.Run("hard cap rejects", func(t *testing.T) {
		ce := newEnt(id.NewCustomerProductID(), product.ModelConsumable, "10", "0")
		floor := dec("-5")
		ce.MinBalance = &floor
		require.ErrorIs(t, ApplyUsage(ce, dec("6"), true), ErrInsufficientBalance)
		require.NoError(t, ApplyUsage(ce, dec("5"), false))
	})

	t.Run("unlimited never decrements", func(t *testing.T) {
		ce := newEnt(id.NewCustomerProductID(), product.ModelFree, "0", "0")
		ce.Unlimited = true
		require.NoError(t, ApplyUsage(ce, dec("1000"), false))
		assert.True(t, ce.Balance.IsZero())
	})

	t.Run("refund raises balance above allowance", func(t *testing.T) {
		ce := newEnt(id.NewCustomerProductID(), product.ModelFree, "10", "10")
		require.NoError(t, ApplyUsage(ce, dec("-2"), false))
		assert.True(t, ce.Balance.Equal(dec("12")))
		assert.True(t, ce.Usage().Equal(dec("-2")))
	})
}

func TestResetAndPurchased(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	reset := start
	ce := newEnt(id.NewCustomerProductID(), product.ModelFree, "100", "12")
	ce.ResetInterval = types.IntervalMonth
	ce.NextResetAt = &reset

	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	require.True(t, DueForReset(ce, now))
	ResetForNewCycle(ce, now)
	assert.True(t, ce.Balance.Equal(dec("100")))
	assert.Equal(t, time.Date(2026, 3, 28, 0, 0, 0, 0, time.UTC), *ce.NextResetAt)
	assert.False(t, DueForReset(ce, now))

	prepaid := newEnt(id.NewCustomerProductID(), product.ModelPrepaid, "0", "150")
	prepaid.Purchased = dec("200")
	SetPurchased(prepaid, dec("100"))
	assert.True(t, prepaid.Balance.Equal(dec("50")))
	assert.True(t, prepaid.Usage().Equal(dec("50")))

	Credit(prepaid, dec("25"))
	assert.True(t, prepaid.Purchased.Equal(dec("125")))
	assert.True(t, prepaid.Balance.Equal(dec("75")))
}

func TestFromItem(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	limit := dec("150")
	item := product.NewFeatureItem(product.FeatureItem{
		FeatureKey:      "messages",
		Model:           product.ModelConsumable,
		Included:        dec("100"),
		ResetInterval:   types.IntervalMonth,
		BillingInterval: types.IntervalMonth,
		Price:           types.USD(1),
		UsageLimit:      &limit,
	})
	ce := FromItem(item, &feature.Feature{Key: "messages", Type: feature.TypeMetered}, decimal.Zero, now)
	assert.True(t, ce.Balance.Equal(dec("100")))
	assert.True(t, ce.UsageAllowed)
	require.NotNil(t, ce.MinBalance)
	assert.True(t, ce.MinBalance.Equal(dec("-50")))
	require.NotNil(t, ce.NextResetAt)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), *ce.NextResetAt)

	seats := product.NewFeatureItem(product.FeatureItem{FeatureKey: "seats", Model: product.ModelAllocated, Included: dec("3"), ResetInterval: types.IntervalMonth})
	sce := FromItem(seats, &feature.Feature{Key: "seats", Type: feature.TypeMetered, UsageType: feature.UsageContinuous}, decimal.Zero, now)
	assert.Nil(t, sce.NextResetAt, "continuous features never reset")
}

func TestResolve(t *testing.T) {
	older, newer, scheduled := id.NewCustomerProductID(), id.NewCustomerProductID(), id.NewCustomerProductID()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	atts := map[id.CustomerProductID]Attachment{
		older:     {AttachedAt: t0, Relevant: true},
		newer:     {AttachedAt: t0.Add(time.Hour), Relevant: true},
		scheduled: {AttachedAt: t0.Add(2 * time.Hour), Relevant: false},
	}

	prepaid := newEnt(older, product.ModelPrepaid, "0", "200")
	prepaid.Purchased = dec("200")
	consumable := newEnt(newer, product.ModelConsumable, "100", "-30")
	free := newEnt(older, product.ModelFree, "50", "20")
	pending := newEnt(scheduled, product.ModelFree, "500", "500")
	ents := []*CustomerEntitlement{prepaid, consumable, free, pending}

	bal := Resolve("messages", ents, atts, ResolveOptions{})
	require.Len(t, bal.Breakdown, 3, "scheduled products are not relevant")
	assert.Equal(t, free.ID, bal.Breakdown[0].EntitlementID)
	assert.Equal(t, consumable.ID, bal.Breakdown[1].EntitlementID)
	assert.Equal(t, prepaid.ID, bal.Breakdown[2].EntitlementID, "prepaid sorts last")

	assert.True(t, bal.CurrentBalance.Equal(dec("220")))
	assert.True(t, bal.NetBalance.Equal(dec("190")))
	assert.True(t, bal.Granted.Equal(dec("150")))
	assert.True(t, bal.Purchased.Equal(dec("200")))
	assert.True(t, bal.Usage.Equal(dec("160")))
	assert.True(t, bal.Allowed)

	sum := decimal.Zero
	for _, e := range bal.Breakdown {
		sum = sum.Add(e.CurrentBalance)
		assert.True(t, e.Usage.Equal(e.Granted.Add(e.Purchased).Sub(e.Balance)))
	}
	assert.True(t, sum.Equal(bal.CurrentBalance))

	reversed := Resolve("messages", ents, atts, ResolveOptions{ReverseOrder: true})
	assert.Equal(t, consumable.ID, reversed.Breakdown[0].EntitlementID)
	assert.Equal(t, free.ID, reversed.Breakdown[1].EntitlementID)
}

func TestResolveShortCircuits(t *testing.T) {
	cp := id.NewCustomerProductID()
	atts := map[id.CustomerProductID]Attachment{cp: {Relevant: true}}

	empty := newEnt(cp, product.ModelFree, "10", "0")
	assert.False(t, Resolve("messages", []*CustomerEntitlement{empty}, atts, ResolveOptions{}).Allowed)

	unlimited := newEnt(cp, product.ModelFree, "0", "0")
	unlimited.Unlimited = true
	bal := Resolve("messages", []*CustomerEntitlement{empty, unlimited}, atts, ResolveOptions{})
	assert.True(t, bal.Allowed)
	assert.True(t, bal.Unlimited)

	flag := newEnt(cp, product.ModelFree, "0", "0")
	flag.FeatureKey = "sso"
	flag.FeatureType = feature.TypeBoolean
	assert.True(t, Resolve("sso", []*CustomerEntitlement{flag}, atts, ResolveOptions{}).Allowed)
	assert.False(t, Resolve("sso", nil, atts, ResolveOptions{}).Allowed)
}
