package customer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

func TestAutoTopupConfigValidate(t *testing.T) {
	valid := AutoTopupConfig{FeatureKey: "credits", Enabled: true, Threshold: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(100)}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *AutoTopupConfig)
	}{
		{"missing feature", func(c *AutoTopupConfig) { c.FeatureKey = "" }},
		{"negative threshold", func(c *AutoTopupConfig) { c.Threshold = decimal.NewFromInt(-1) }},
		{"zero quantity", func(c *AutoTopupConfig) { c.Quantity = decimal.Zero }},
		{"limit without interval", func(c *AutoTopupConfig) { c.MaxPurchases = &MaxPurchases{Limit: 3} }},
		{"interval without limit", func(c *AutoTopupConfig) { c.MaxPurchases = &MaxPurchases{Interval: types.IntervalDay} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidAutoTopup)
		})
	}
}

func TestSetAutoTopupReplacesByFeature(t *testing.T) {
	c := &Customer{}
	c.SetAutoTopup(AutoTopupConfig{FeatureKey: "a", Quantity: decimal.NewFromInt(1)})
	c.SetAutoTopup(AutoTopupConfig{FeatureKey: "b", Quantity: decimal.NewFromInt(2)})
	c.SetAutoTopup(AutoTopupConfig{FeatureKey: "a", Quantity: decimal.NewFromInt(3)})

	require.Len(t, c.AutoTopups, 2)
	cfg, ok := c.AutoTopup("a")
	require.True(t, ok)
	assert.True(t, cfg.Quantity.Equal(decimal.NewFromInt(3)))

	_, ok = c.AutoTopup("missing")
	assert.False(t, ok)
}

func TestScopeKey(t *testing.T) {
	cus := id.NewCustomerID()
	s := Scope{OrgID: "org", Env: "live", CustomerID: cus}
	assert.False(t, s.IsEntity())
	assert.Equal(t, "org:live:"+cus.String(), s.Key())

	ety := id.NewEntityID()
	s.EntityID = ety
	assert.True(t, s.IsEntity())
	assert.Equal(t, "org:live:"+cus.String()+":"+ety.String()+":seats", s.FeatureKey("seats"))
}
