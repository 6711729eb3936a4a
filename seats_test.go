package tally_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// teamPlan bills base a month plus $5 per seat beyond included.
func teamPlan(key string, base, included int64) *product.Product {
	return &product.Product{
		Key:      key,
		Group:    "team",
		Currency: "usd",
		Items: []product.Item{
			product.NewPriceItem(types.USD(base), types.IntervalMonth),
			product.NewFeatureItem(product.FeatureItem{
				FeatureKey:      "seats",
				Model:           product.ModelAllocated,
				Included:        decimal.NewFromInt(included),
				Price:           types.USD(500),
				BillingInterval: types.IntervalMonth,
			}),
		},
	}
}

func (h *harness) trackSeats(cusID id.CustomerID, delta int64) *tally.TrackResult {
	h.t.Helper()
	res, err := h.engine.Track(h.ctx, tally.TrackRequest{
		CustomerID:   cusID,
		FeatureKey:   "seats",
		Value:        decimal.NewFromInt(delta),
		AllowOverage: true,
	})
	require.NoError(h.t, err)
	return res
}

// seatQuantity is the quantity of the seat price on the provider
// subscription.
func (h *harness) seatQuantity(cp *subscription.CustomerProduct, seatPrice string) int64 {
	h.t.Helper()
	sub, err := h.provider.GetSubscription(h.ctx, cp.SubscriptionIDs[0])
	require.NoError(h.t, err)
	for _, it := range sub.Items {
		if it.PriceID == seatPrice {
			return it.Quantity
		}
	}
	h.t.Fatalf("seat price %s not on subscription", seatPrice)
	return 0
}

func TestSeatsBilledWhenUsageCrossesIncluded(t *testing.T) {
	h := newHarness(t)
	h.feature("seats", feature.TypeMetered, feature.UsageContinuous)
	team := h.product(teamPlan("team", 1000, 2))
	seatPrice := team.Items[1].Feature.ProviderPriceID
	cus := h.customer()
	res := h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "team"})
	require.Equal(t, types.USD(1000), res.Invoice.Total)

	// Seats within the included amount cost nothing.
	h.trackSeats(cus.ID, 2)
	assert.Empty(t, h.invoices(cus.ID, invoice.ReasonUpdate))

	// Without opt-in the third seat is refused.
	_, err := h.track(cus.ID, "seats", 1)
	require.ErrorIs(t, err, tally.ErrInsufficientBalance)

	h.clock.Advance(15 * 24 * time.Hour)
	tr := h.trackSeats(cus.ID, 1)
	assert.True(t, tr.Balance.NetBalance.Equal(decimal.NewFromInt(-1)), "got %s", tr.Balance.NetBalance)

	charges := h.invoices(cus.ID, invoice.ReasonUpdate)
	require.Len(t, charges, 1)
	assert.Equal(t, types.USD(250), charges[0].Total, "half a period of one extra seat")
	assert.Equal(t, invoice.StatusPaid, charges[0].Status)

	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.True(t, cps[0].QuantityOf("seats").Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(1), h.seatQuantity(cps[0], seatPrice))

	// Releasing two seats credits the extra seat for the rest of the period.
	h.trackSeats(cus.ID, -2)
	charges = h.invoices(cus.ID, invoice.ReasonUpdate)
	require.Len(t, charges, 2)
	var credit *invoice.Invoice
	for _, inv := range charges {
		if inv.Total.IsNegative() {
			credit = inv
		}
	}
	require.NotNil(t, credit)
	assert.Equal(t, types.USD(-250), credit.Total)

	cps = h.products(cus.ID)
	assert.True(t, cps[0].QuantityOf("seats").Equal(decimal.NewFromInt(1)))
	assert.Equal(t, int64(0), h.seatQuantity(cps[0], seatPrice))
	assert.True(t, h.balance(cus.ID, "seats").NetBalance.Equal(decimal.NewFromInt(1)))

	// Seat counts follow usage; they are not set directly.
	_, err = h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{
		CustomerID: cus.ID,
		ProductKey: "team",
		Options:    []subscription.Option{{FeatureKey: "seats", Quantity: decimal.NewFromInt(5)}},
	})
	require.ErrorIs(t, err, tally.ErrInvalidItem)
}

func TestSeatDecreaseDeferredWithoutProration(t *testing.T) {
	h := newHarness(t)
	h.feature("seats", feature.TypeMetered, feature.UsageContinuous)
	p := teamPlan("team", 1000, 2)
	p.Items[1].Feature.Proration.OnDecrease = proration.None
	h.product(p)
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "team"})

	h.trackSeats(cus.ID, 4)
	charges := h.invoices(cus.ID, invoice.ReasonUpdate)
	require.Len(t, charges, 1)
	assert.Equal(t, types.USD(1000), charges[0].Total)

	// The released seat stays billed until renewal.
	h.trackSeats(cus.ID, -1)
	assert.Len(t, h.invoices(cus.ID, invoice.ReasonUpdate), 1)
	opt, ok := h.products(cus.ID)[0].Option("seats")
	require.True(t, ok)
	assert.True(t, opt.Quantity.Equal(decimal.NewFromInt(4)))
	require.NotNil(t, opt.UpcomingQuantity)
	assert.True(t, opt.UpcomingQuantity.Equal(decimal.NewFromInt(3)))

	// Taking it back cancels the pending decrease without a charge.
	h.trackSeats(cus.ID, 1)
	assert.Len(t, h.invoices(cus.ID, invoice.ReasonUpdate), 1)
	opt, _ = h.products(cus.ID)[0].Option("seats")
	assert.True(t, opt.Quantity.Equal(decimal.NewFromInt(4)))
	assert.Nil(t, opt.UpcomingQuantity)
}

func TestUpgradePricesInheritedSeats(t *testing.T) {
	h := newHarness(t)
	h.feature("seats", feature.TypeMetered, feature.UsageContinuous)
	h.product(teamPlan("team", 1000, 2))
	h.product(teamPlan("team_plus", 2000, 1))
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "team"})

	h.trackSeats(cus.ID, 4)
	require.Len(t, h.invoices(cus.ID, invoice.ReasonUpdate), 1)

	res := h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "team_plus"})
	require.Equal(t, subscription.AttachUpgrade, res.Kind)
	assert.True(t, res.CustomerProduct.QuantityOf("seats").Equal(decimal.NewFromInt(4)))
	// $10 more base, and three extra seats where two were billed.
	assert.Equal(t, types.USD(1500), res.Invoice.Total)
	assert.True(t, h.balance(cus.ID, "seats").NetBalance.Equal(decimal.NewFromInt(-3)))
}

func TestOverrideRepricesSeats(t *testing.T) {
	h := newHarness(t)
	h.feature("seats", feature.TypeMetered, feature.UsageContinuous)
	h.product(teamPlan("team", 1000, 2))
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "team"})

	// A balance of -1 means three seats in use.
	_, err := h.engine.OverrideBalance(h.ctx, tally.OverrideRequest{CustomerID: cus.ID, FeatureKey: "seats", Balance: decimal.NewFromInt(-1)})
	require.NoError(t, err)

	charges := h.invoices(cus.ID, invoice.ReasonUpdate)
	require.Len(t, charges, 1)
	assert.Equal(t, types.USD(500), charges[0].Total)
	assert.True(t, h.products(cus.ID)[0].QuantityOf("seats").Equal(decimal.NewFromInt(3)))
}
