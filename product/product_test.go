package product

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/types"
)

var catalog = map[string]*feature.Feature{
	"messages": {Key: "messages", Type: feature.TypeMetered, UsageType: feature.UsageSingle},
	"seats":    {Key: "seats", Type: feature.TypeMetered, UsageType: feature.UsageContinuous},
	"sso":      {Key: "sso", Type: feature.TypeBoolean},
}

func proPlan() *Product {
	return &Product{
		Key:      "pro",
		Currency: "usd",
		Items: []Item{
			NewPriceItem(types.USD(2000), types.IntervalMonth),
			NewFeatureItem(FeatureItem{FeatureKey: "messages", Model: ModelConsumable, Included: decimal.NewFromInt(500), Price: types.USD(1), BillingInterval: types.IntervalMonth, ResetInterval: types.IntervalMonth}),
			NewFeatureItem(FeatureItem{FeatureKey: "seats", Model: ModelAllocated, Included: decimal.NewFromInt(3), Price: types.USD(500), BillingInterval: types.IntervalMonth}),
			NewFeatureItem(FeatureItem{FeatureKey: "sso", Model: ModelFree}),
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, proPlan().Validate(catalog))

	tests := []struct {
		name   string
		mutate func(p *Product)
		want   error
	}{
		{"unknown feature", func(p *Product) {
			p.Items = append(p.Items, NewFeatureItem(FeatureItem{FeatureKey: "nope", Model: ModelFree}))
		}, ErrUnknownFeature},
		{"priced boolean", func(p *Product) {
			p.Items[3].Feature.Model = ModelConsumable
		}, ErrInvalidItem},
		{"consumable reset out of step with billing", func(p *Product) {
			p.Items[1].Feature.ResetInterval = types.IntervalDay
		}, ErrInvalidItem},
		{"allocated on a resetting feature", func(p *Product) {
			p.Items[1].Feature.Model = ModelAllocated
			p.Items[1].Feature.ResetInterval = ""
		}, ErrInvalidItem},
		{"prepaid without billing units", func(p *Product) {
			p.Items[1].Feature.Model = ModelPrepaid
		}, ErrInvalidItem},
		{"union carries both variants", func(p *Product) {
			p.Items[0].Feature = &FeatureItem{FeatureKey: "messages"}
		}, ErrInvalidItem},
		{"duplicate feature", func(p *Product) {
			p.Items = append(p.Items, p.Items[1])
		}, ErrInvalidItem},
		{"currency mismatch", func(p *Product) {
			p.Items[0].Price.Amount = types.EUR(2000)
		}, ErrInvalidItem},
		{"bad proration behavior", func(p *Product) {
			p.Items[2].Feature.Proration = proration.Config{OnDecrease: "later"}
		}, proration.ErrInvalidBehavior},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := proPlan()
			tt.mutate(p)
			assert.ErrorIs(t, p.Validate(catalog), tt.want)
		})
	}
}

func TestValueAndUpgrade(t *testing.T) {
	free := &Product{Key: "free", Items: []Item{NewFeatureItem(FeatureItem{FeatureKey: "messages", Model: ModelFree, Included: decimal.NewFromInt(100)})}}
	pro := proPlan()
	annual := &Product{Key: "annual", Items: []Item{NewPriceItem(types.USD(12000), types.IntervalYear)}}

	assert.True(t, free.Value().IsZero())
	assert.True(t, pro.Value().Equal(decimal.NewFromInt(2000)))
	assert.True(t, annual.Value().Equal(decimal.NewFromInt(1000)))

	assert.True(t, IsUpgrade(free, pro))
	assert.False(t, IsUpgrade(pro, annual))
	assert.True(t, IsUpgrade(pro, pro), "equal value counts as upgrade")
}

func TestItemHelpers(t *testing.T) {
	pro := proPlan()
	assert.Equal(t, types.IntervalMonth, pro.BillingInterval())
	assert.False(t, pro.IsFree())
	assert.Len(t, pro.FeatureItems(), 3)
	require.NotNil(t, pro.FindFeature("seats"))
	assert.Nil(t, pro.FindFeature("missing"))

	prepaid := FeatureItem{FeatureKey: "credits", Model: ModelPrepaid, Included: decimal.NewFromInt(10), BillingUnits: decimal.NewFromInt(100), Price: types.USD(1000)}
	assert.True(t, prepaid.IsOneOffPrepaid())
	assert.True(t, prepaid.Allowance(decimal.NewFromInt(200)).Equal(decimal.NewFromInt(210)))

	cfg := NewFeatureItem(prepaid).ProrationConfig(decimal.NewFromInt(200))
	assert.Equal(t, proration.ModelPrepaid, cfg.Model)
	assert.Equal(t, types.USD(2000), cfg.Cost())
}
