package tally_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

func walletPlan() *product.Product {
	return &product.Product{
		Key:      "wallet",
		Currency: "usd",
		IsAddOn:  true,
		Items: []product.Item{
			product.NewFeatureItem(product.FeatureItem{FeatureKey: "credits", Model: product.ModelFree}),
		},
	}
}

func TestDecimalBalancesAreExact(t *testing.T) {
	h := newHarness(t)
	h.feature("credits", feature.TypeMetered, feature.UsageSingle)
	h.product(walletPlan())
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "wallet"})

	bal, err := h.engine.OverrideBalance(h.ctx, tally.OverrideRequest{CustomerID: cus.ID, FeatureKey: "credits", Balance: dec("72.65")})
	require.NoError(t, err)
	assert.Equal(t, "72.65", bal.NetBalance.String())

	res, err := h.engine.Track(h.ctx, tally.TrackRequest{CustomerID: cus.ID, FeatureKey: "credits", Value: dec("27.35")})
	require.NoError(t, err)
	assert.True(t, res.Balance.NetBalance.Equal(dec("45.30")), "got %s", res.Balance.NetBalance)
	assert.True(t, h.balance(cus.ID, "credits").NetBalance.Equal(dec("45.3")))
}

func TestTrackIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	req := tally.TrackRequest{CustomerID: cus.ID, FeatureKey: "messages", Value: decimal.NewFromInt(5), IdempotencyKey: "msg_42"}
	first, err := h.engine.Track(h.ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.engine.Track(h.ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(495)))
}

// flakyBalances fails the next fail balance writes.
type flakyBalances struct {
	*memory.Store
	fail int
}

func (s *flakyBalances) UpdateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("write conflict")
	}
	return s.Store.UpdateEntitlements(ctx, ces)
}

func TestTrackFailedBalanceWriteCanBeRetried(t *testing.T) {
	var flaky *flakyBalances
	h := newWrappedHarness(t, func(st *memory.Store) store.Store {
		flaky = &flakyBalances{Store: st}
		return flaky
	})
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	req := tally.TrackRequest{CustomerID: cus.ID, FeatureKey: "messages", Value: decimal.NewFromInt(5), IdempotencyKey: "msg_7"}
	flaky.fail = 1
	_, err := h.engine.Track(h.ctx, req)
	require.Error(t, err)
	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(500)))

	events, err := h.store.QueryUsage(h.ctx, cus.ID, meter.QueryOpts{FeatureKey: "messages"})
	require.NoError(t, err)
	assert.Empty(t, events)

	res, err := h.engine.Track(h.ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(495)))

	events, err = h.store.QueryUsage(h.ctx, cus.ID, meter.QueryOpts{FeatureKey: "messages"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTrackNegativeValueRefunds(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "free"})

	_, err := h.track(cus.ID, "messages", 40)
	require.NoError(t, err)
	_, err = h.track(cus.ID, "messages", -15)
	require.NoError(t, err)

	bal := h.balance(cus.ID, "messages")
	assert.True(t, bal.CurrentBalance.Equal(decimal.NewFromInt(75)))
	assert.True(t, bal.Usage.Equal(decimal.NewFromInt(25)))
}

func TestConsumableOverageIsAllowed(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	_, err := h.track(cus.ID, "messages", 510)
	require.NoError(t, err)

	bal := h.balance(cus.ID, "messages")
	assert.True(t, bal.Allowed)
	assert.True(t, bal.NetBalance.Equal(decimal.NewFromInt(-10)))
	assert.True(t, bal.CurrentBalance.IsZero())
	assert.NotEmpty(t, h.provider.MeterEvents())
}

func TestCreditSystemDrawsCredits(t *testing.T) {
	h := newHarness(t)
	h.feature("ai_calls", feature.TypeMetered, feature.UsageSingle)
	require.NoError(t, h.engine.CreateFeature(h.ctx, &feature.Feature{
		Key:          "ai_credits",
		Name:         "AI credits",
		Type:         feature.TypeCreditSystem,
		CreditSchema: []feature.CreditCost{{MeteredFeatureKey: "ai_calls", CreditCost: decimal.NewFromInt(2)}},
		OrgID:        testOrg,
		Env:          testEnv,
	}))
	h.product(&product.Product{
		Key:      "starter",
		Group:    "plans",
		Currency: "usd",
		Items: []product.Item{
			product.NewFeatureItem(product.FeatureItem{FeatureKey: "ai_credits", Model: product.ModelFree, Included: decimal.NewFromInt(100)}),
		},
	})
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "starter"})

	_, err := h.track(cus.ID, "ai_calls", 10)
	require.NoError(t, err)
	assert.True(t, h.balance(cus.ID, "ai_credits").CurrentBalance.Equal(decimal.NewFromInt(80)))

	_, err = h.track(cus.ID, "ai_calls", 41)
	require.ErrorIs(t, err, tally.ErrInsufficientBalance)
	assert.True(t, tally.IsQuotaError(err))
	assert.True(t, h.balance(cus.ID, "ai_credits").CurrentBalance.Equal(decimal.NewFromInt(80)))
}

func TestBooleanFeature(t *testing.T) {
	h := newHarness(t)
	h.feature("sso", feature.TypeBoolean, "")
	h.product(&product.Product{
		Key:      "enterprise",
		Group:    "plans",
		Currency: "usd",
		Items: []product.Item{
			product.NewFeatureItem(product.FeatureItem{FeatureKey: "sso", Model: product.ModelFree}),
		},
	})
	cus := h.customer()

	check, err := h.engine.Check(h.ctx, tally.CheckRequest{CustomerID: cus.ID, FeatureKey: "sso", SkipCache: true})
	require.NoError(t, err)
	assert.False(t, check.Allowed)

	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "enterprise"})
	check, err = h.engine.Check(h.ctx, tally.CheckRequest{CustomerID: cus.ID, FeatureKey: "sso", SkipCache: true})
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	_, err = h.track(cus.ID, "sso", 1)
	var verr tally.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEntityScopedBalances(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	alpha := &customer.Entity{CustomerID: cus.ID, ExternalID: "alpha", Name: "Alpha"}
	beta := &customer.Entity{CustomerID: cus.ID, ExternalID: "beta", Name: "Beta"}
	require.NoError(t, h.engine.CreateEntity(h.ctx, alpha))
	require.NoError(t, h.engine.CreateEntity(h.ctx, beta))

	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "free"})
	h.clock.Advance(time.Minute)
	h.attach(tally.AttachRequest{CustomerID: cus.ID, EntityID: alpha.ID, ProductKey: "pro"})

	// Entities see customer-level products on top of their own.
	assert.True(t, h.entityBalance(cus.ID, alpha.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(600)))
	assert.True(t, h.entityBalance(cus.ID, beta.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(100)))

	_, err := h.engine.Track(h.ctx, tally.TrackRequest{CustomerID: cus.ID, EntityID: alpha.ID, FeatureKey: "messages", Value: decimal.NewFromInt(10)})
	require.NoError(t, err)
	// The customer-level product was attached first, so it is drawn first
	// and every entity sees the deduction.
	assert.True(t, h.entityBalance(cus.ID, alpha.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(590)))
	assert.True(t, h.entityBalance(cus.ID, beta.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(90)))
	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(90)))

	other := h.customer()
	_, err = h.engine.Track(h.ctx, tally.TrackRequest{CustomerID: other.ID, EntityID: alpha.ID, FeatureKey: "messages", Value: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, tally.ErrEntityNotFound)
}

func TestTrackWithoutEntitlement(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()

	_, err := h.track(cus.ID, "messages", 1)
	require.ErrorIs(t, err, tally.ErrNoEntitlement)

	_, err = h.track(cus.ID, "unknown", 1)
	require.Error(t, err)
	assert.True(t, tally.IsNotFound(err))
}
