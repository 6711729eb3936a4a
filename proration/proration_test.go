package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func aprilCycle(now time.Time) Cycle {
	return Cycle{
		Period: types.Period{
			Start: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		Now: now,
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{"defaults", Config{}, Config{OnIncrease: ProrateImmediately, OnDecrease: ProrateImmediately}},
		{"legacy follows immediate increase", Config{OnIncrease: ProrateImmediately, OnDecrease: "prorate"}, Config{OnIncrease: ProrateImmediately, OnDecrease: ProrateImmediately}},
		{"legacy follows next cycle increase", Config{OnIncrease: ProrateNextCycle, OnDecrease: "prorate"}, Config{OnIncrease: ProrateNextCycle, OnDecrease: ProrateNextCycle}},
		{"explicit kept", Config{OnIncrease: None, OnDecrease: None}, Config{OnIncrease: None, OnDecrease: None}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}

	require.ErrorIs(t, Config{OnDecrease: "sometimes"}.Validate(), ErrInvalidBehavior)
}

func TestPacks(t *testing.T) {
	assert.True(t, Packs(d("200"), d("0"), d("100")).Equal(d("2")))
	assert.True(t, Packs(d("201"), d("0"), d("100")).Equal(d("3")))
	assert.True(t, Packs(d("50"), d("100"), d("100")).Equal(d("0")))
	assert.True(t, Packs(d("7"), d("0"), d("0")).Equal(d("7")))
}

func TestComputeDeltaFlatMidCycle(t *testing.T) {
	old := ItemConfig{Model: ModelFlat, Price: types.USD(1000)}
	upgraded := ItemConfig{Model: ModelFlat, Price: types.USD(3000)}

	delta, err := ComputeDelta(old, upgraded, aprilCycle(time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, types.USD(1000), delta.Now)
	assert.True(t, delta.Increase)

	delta, err = ComputeDelta(old, upgraded, Cycle{})
	require.NoError(t, err)
	assert.Equal(t, types.USD(2000), delta.Now, "one-off change is not prorated")
}

func TestComputeDeltaPrepaidPacks(t *testing.T) {
	zero := ItemConfig{Model: ModelPrepaid, Price: types.USD(1000), BillingUnits: d("100"), Quantity: d("0")}
	twoPacks := zero
	twoPacks.Quantity = d("200")

	delta, err := ComputeDelta(zero, twoPacks, Cycle{})
	require.NoError(t, err)
	assert.Equal(t, types.USD(2000), delta.Now)

	// New divisor recomputes the pack count from scratch.
	rebased := twoPacks
	rebased.BillingUnits = d("150")
	delta, err = ComputeDelta(twoPacks, rebased, Cycle{})
	require.NoError(t, err)
	assert.Equal(t, types.USD(0), delta.Now)

	rebased.BillingUnits = d("300")
	delta, err = ComputeDelta(twoPacks, rebased, Cycle{})
	require.NoError(t, err)
	assert.Equal(t, types.USD(-1000), delta.Now)
}

func TestComputeDeltaAllocatedOverageOnly(t *testing.T) {
	base := ItemConfig{Model: ModelAllocated, Price: types.USD(500), Included: d("3"), Quantity: d("2")}
	crossed := base
	crossed.Quantity = d("5")

	delta, err := ComputeDelta(base, crossed, Cycle{})
	require.NoError(t, err)
	assert.Equal(t, types.USD(1000), delta.Now, "only the two seats above included are charged")

	back, err := ComputeDelta(crossed, base, Cycle{})
	require.NoError(t, err)
	assert.True(t, delta.Now.Add(back.Now).IsZero(), "upgrade then downgrade nets to zero")
}

func TestComputeDeltaPolicies(t *testing.T) {
	cycle := aprilCycle(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	small := ItemConfig{Model: ModelPrepaid, Price: types.USD(1000), BillingUnits: d("100"), Quantity: d("200")}
	big := small
	big.Quantity = d("400")

	t.Run("increase next cycle", func(t *testing.T) {
		n := big
		n.Config = Config{OnIncrease: ProrateNextCycle}
		delta, err := ComputeDelta(small, n, cycle)
		require.NoError(t, err)
		assert.True(t, delta.Now.IsZero())
		assert.Equal(t, types.USD(2000), delta.NextCycle)
	})

	t.Run("increase none", func(t *testing.T) {
		n := big
		n.Config = Config{OnIncrease: None}
		delta, err := ComputeDelta(small, n, cycle)
		require.NoError(t, err)
		assert.True(t, delta.Now.IsZero())
		assert.True(t, delta.NextCycle.IsZero())
		assert.False(t, delta.DeferQuantity)
	})

	t.Run("decrease none defers quantity", func(t *testing.T) {
		n := small
		n.Quantity = d("100")
		n.Config = Config{OnDecrease: None}
		delta, err := ComputeDelta(small, n, cycle)
		require.NoError(t, err)
		assert.True(t, delta.DeferQuantity)
		assert.True(t, delta.Now.IsZero())
	})

	t.Run("decrease immediate credits", func(t *testing.T) {
		n := small
		n.Quantity = d("100")
		delta, err := ComputeDelta(small, n, cycle)
		require.NoError(t, err)
		assert.Equal(t, types.USD(-1000), delta.Now)
		assert.False(t, delta.Increase)
	})
}

func TestComputeDeltaConsumableNeverChargesUpfront(t *testing.T) {
	old := ItemConfig{Model: ModelConsumable, Price: types.USD(10), Included: d("100")}
	n := old
	n.Included = d("500")
	delta, err := ComputeDelta(old, n, Cycle{})
	require.NoError(t, err)
	assert.True(t, delta.Now.IsZero())
}

func TestComputeDeltaCurrencyMismatch(t *testing.T) {
	_, err := ComputeDelta(ItemConfig{Model: ModelFlat, Price: types.USD(1)}, ItemConfig{Model: ModelFlat, Price: types.EUR(1)}, Cycle{})
	require.Error(t, err)
}

func TestCombine(t *testing.T) {
	total := Combine("usd", []Line{
		{Description: "base", Amount: types.USD(-3000)},
		{Description: "seats", Amount: types.USD(1000)},
	})
	assert.Equal(t, types.USD(-2000), total)
	assert.Equal(t, types.USD(0), Combine("usd", nil))
}
