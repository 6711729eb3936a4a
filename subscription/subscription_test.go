package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/types"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func attached(p *product.Product, status Status) *CustomerProduct {
	return &CustomerProduct{
		ID:                 id.NewCustomerProductID(),
		ProductID:          p.ID,
		ProductKey:         p.Key,
		Group:              p.Group,
		IsAddOn:            p.IsAddOn,
		Items:              p.Items,
		Status:             status,
		BillingInterval:    types.IntervalMonth,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t0.AddDate(0, 1, 0),
	}
}

func plan(key string, monthly int64) *product.Product {
	p := &product.Product{ID: id.NewProductID(), Key: key, Currency: "usd"}
	if monthly > 0 {
		p.Items = append(p.Items, product.NewPriceItem(types.USD(monthly), types.IntervalMonth))
	}
	return p
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	cp := attached(plan("pro", 2000), StatusScheduled)

	require.NoError(t, Transition(ctx, cp, TriggerActivate, t0))
	assert.Equal(t, StatusActive, cp.Status)

	require.NoError(t, Transition(ctx, cp, TriggerRenew, t0.AddDate(0, 1, 0)))
	assert.Equal(t, StatusActive, cp.Status)
	assert.Equal(t, t0.AddDate(0, 1, 0), cp.CurrentPeriodStart)
	assert.Equal(t, t0.AddDate(0, 2, 0), cp.CurrentPeriodEnd)

	require.NoError(t, Transition(ctx, cp, TriggerCancel, t0.AddDate(0, 1, 5)))
	assert.Equal(t, StatusCanceling, cp.Status)
	require.NotNil(t, cp.CanceledAt)
	assert.Equal(t, t0.AddDate(0, 2, 0), *cp.CanceledAt, "cancel defaults to term end")

	require.NoError(t, Transition(ctx, cp, TriggerUncancel, t0.AddDate(0, 1, 6)))
	assert.Equal(t, StatusActive, cp.Status)
	assert.Nil(t, cp.CanceledAt)

	err := Transition(ctx, cp, TriggerUncancel, t0)
	require.ErrorIs(t, err, ErrInvalidTransition, "uncancel is only valid while canceling")

	now := t0.AddDate(0, 1, 7)
	require.NoError(t, Transition(ctx, cp, TriggerCancel, now, now))
	assert.Equal(t, now, *cp.CanceledAt)
	require.NoError(t, Transition(ctx, cp, TriggerRemove, now))
	assert.Equal(t, StatusExpired, cp.Status)
	require.NotNil(t, cp.EndedAt)
	assert.False(t, CanFire(ctx, cp, TriggerActivate, now))
}

func TestUncancelRestoresTrial(t *testing.T) {
	ctx := context.Background()
	trialEnd := t0.AddDate(0, 0, 14)
	cp := attached(plan("pro", 2000), StatusScheduled)
	cp.TrialEndsAt = &trialEnd

	require.NoError(t, Transition(ctx, cp, TriggerStartTrial, t0))
	require.NoError(t, Transition(ctx, cp, TriggerCancel, t0.AddDate(0, 0, 1)))
	assert.Equal(t, trialEnd, *cp.CanceledAt, "a trialing product ends with its trial")

	require.NoError(t, Transition(ctx, cp, TriggerUncancel, t0.AddDate(0, 0, 2)))
	assert.Equal(t, StatusTrialing, cp.Status)

	require.NoError(t, Transition(ctx, cp, TriggerCancel, t0.AddDate(0, 0, 3)))
	require.NoError(t, Transition(ctx, cp, TriggerUncancel, t0.AddDate(0, 0, 20)))
	assert.Equal(t, StatusActive, cp.Status, "trial over by the time of uncancel")
}

func TestShared(t *testing.T) {
	p := plan("seat", 1000)
	a, b := attached(p, StatusTrialing), attached(p, StatusActive)
	trialEnd := t0.AddDate(0, 0, 7)
	a.TrialEndsAt = &trialEnd
	a.SubscriptionIDs = []string{"sub_1"}
	b.SubscriptionIDs = []string{"sub_1"}
	other := attached(p, StatusCanceling)
	other.SubscriptionIDs = []string{"sub_2"}

	view := Shared("sub_1", []*CustomerProduct{a, b, other}, t0)
	assert.Equal(t, 2, view.Members)
	assert.True(t, view.Trialing, "trialing if any member trials")
	assert.False(t, view.Canceled)

	end := t0.AddDate(0, 1, 0)
	a.Status, b.Status = StatusCanceling, StatusCanceling
	a.CanceledAt, b.CanceledAt = &trialEnd, &end
	view = Shared("sub_1", []*CustomerProduct{a, b, other}, t0)
	assert.True(t, view.Canceled, "canceled once every member is canceling")
	assert.Equal(t, end, *view.CancelAt)
	assert.True(t, view.Trialing, "a member canceled during its trial still trials")
	require.NotNil(t, view.TrialEnd)
	assert.Equal(t, trialEnd, *view.TrialEnd)

	view = Shared("sub_1", []*CustomerProduct{a, b, other}, trialEnd)
	assert.False(t, view.Trialing, "trial over")
	assert.Nil(t, view.TrialEnd)
}

func TestInTrial(t *testing.T) {
	cp := attached(plan("pro", 2000), StatusCanceling)
	assert.False(t, cp.InTrial(t0))

	end := t0.AddDate(0, 0, 7)
	cp.TrialEndsAt = &end
	assert.True(t, cp.InTrial(t0))
	assert.False(t, cp.InTrial(end))
}

func TestPlanAttach(t *testing.T) {
	free, pro, premium := plan("free", 0), plan("pro", 2000), plan("premium", 5000)
	trial := &product.FreeTrial{Length: 7, Unit: types.IntervalDay}

	t.Run("new with trial", func(t *testing.T) {
		p := *pro
		p.FreeTrial = trial
		got, err := PlanAttach(nil, &p, t0)
		require.NoError(t, err)
		assert.Equal(t, AttachNew, got.Kind)
		require.NotNil(t, got.TrialEndsAt)
		assert.Equal(t, t0.AddDate(0, 0, 7), *got.TrialEndsAt)
	})

	t.Run("upgrade", func(t *testing.T) {
		cur := attached(free, StatusActive)
		got, err := PlanAttach([]*CustomerProduct{cur}, pro, t0)
		require.NoError(t, err)
		assert.Equal(t, AttachUpgrade, got.Kind)
		assert.Same(t, cur, got.Current)
	})

	t.Run("downgrade inherits trial and ignores its own", func(t *testing.T) {
		cur := attached(premium, StatusTrialing)
		trialEnd := t0.AddDate(0, 0, 3)
		cur.TrialEndsAt = &trialEnd
		target := *pro
		target.FreeTrial = trial
		got, err := PlanAttach([]*CustomerProduct{cur}, &target, t0)
		require.NoError(t, err)
		assert.Equal(t, AttachDowngrade, got.Kind)
		assert.Equal(t, trialEnd, got.StartsAt)
		require.NotNil(t, got.TrialEndsAt)
		assert.Equal(t, trialEnd, *got.TrialEndsAt)
	})

	t.Run("same product with pending downgrade restores", func(t *testing.T) {
		cur := attached(premium, StatusCanceling)
		pending := attached(pro, StatusScheduled)
		got, err := PlanAttach([]*CustomerProduct{cur, pending}, premium, t0)
		require.NoError(t, err)
		assert.Equal(t, AttachRestore, got.Kind)
		assert.Same(t, pending, got.Scheduled)
	})

	t.Run("upgrade drops pending downgrade", func(t *testing.T) {
		cur := attached(pro, StatusCanceling)
		pending := attached(free, StatusScheduled)
		got, err := PlanAttach([]*CustomerProduct{cur, pending}, premium, t0)
		require.NoError(t, err)
		assert.Equal(t, AttachUpgrade, got.Kind)
		assert.Same(t, pending, got.Scheduled)
	})

	t.Run("already attached", func(t *testing.T) {
		_, err := PlanAttach([]*CustomerProduct{attached(pro, StatusActive)}, pro, t0)
		require.ErrorIs(t, err, ErrAlreadyAttached)
	})

	t.Run("add-on never replaces", func(t *testing.T) {
		addon := plan("boost", 500)
		addon.IsAddOn = true
		existing := []*CustomerProduct{attached(pro, StatusActive), attached(addon, StatusActive)}
		got, err := PlanAttach(existing, addon, t0)
		require.NoError(t, err)
		assert.Equal(t, AttachAddOn, got.Kind)
		assert.Nil(t, got.Current)
	})
}

func TestOptionsAndPrices(t *testing.T) {
	cp := &CustomerProduct{}
	cp.SetOption(Option{FeatureKey: "credits", Quantity: decimal.NewFromInt(200)})
	up := decimal.NewFromInt(100)
	cp.SetOption(Option{FeatureKey: "credits", Quantity: decimal.NewFromInt(200), UpcomingQuantity: &up})
	require.Len(t, cp.Options, 1)
	assert.True(t, cp.QuantityOf("credits").Equal(decimal.NewFromInt(200)))
	assert.True(t, cp.QuantityOf("none").IsZero())

	items := []product.Item{
		product.NewPriceItem(types.USD(1000), types.IntervalMonth),
		product.NewFeatureItem(product.FeatureItem{FeatureKey: "free", Model: product.ModelFree}),
		product.NewFeatureItem(product.FeatureItem{FeatureKey: "credits", Model: product.ModelPrepaid, Price: types.USD(1000), BillingUnits: decimal.NewFromInt(100)}),
	}
	prices := PricesFromItems(items)
	require.Len(t, prices, 2)
	assert.Equal(t, items[2].ID.String(), prices[1].CorrelationID)
	assert.Equal(t, "credits", prices[1].FeatureKey)
}
