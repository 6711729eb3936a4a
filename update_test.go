package tally_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func storagePlan() *product.Product {
	return &product.Product{
		Key:      "storage",
		Group:    "storage",
		Currency: "usd",
		Items: []product.Item{
			product.NewFeatureItem(product.FeatureItem{
				FeatureKey:      "gigabytes",
				Model:           product.ModelPrepaid,
				Price:           types.USD(1000),
				BillingUnits:    decimal.NewFromInt(100),
				BillingInterval: types.IntervalMonth,
				Proration:       proration.Config{OnDecrease: proration.None},
			}),
		},
	}
}

func gigabytes(q int64) []subscription.Option {
	return []subscription.Option{{FeatureKey: "gigabytes", Quantity: decimal.NewFromInt(q)}}
}

func TestPrepaidQuantityChanges(t *testing.T) {
	h := newHarness(t)
	h.feature("gigabytes", feature.TypeMetered, feature.UsageSingle)
	h.product(storagePlan())
	cus := h.customer()

	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "storage", Options: gigabytes(0)})
	assert.True(t, h.balance(cus.ID, "gigabytes").CurrentBalance.IsZero())

	res, err := h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "storage", Options: gigabytes(200)})
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, types.USD(2000), res.Invoice.Total)
	assert.Equal(t, invoice.ReasonUpdate, res.Invoice.Reason)
	assert.Empty(t, res.Deferred)
	assert.True(t, h.balance(cus.ID, "gigabytes").CurrentBalance.Equal(decimal.NewFromInt(200)))

	// Decreases are deferred to renewal.
	h.clock.Advance(10 * 24 * time.Hour)
	res, err = h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "storage", Options: gigabytes(100)})
	require.NoError(t, err)
	assert.Equal(t, []string{"gigabytes"}, res.Deferred)
	assert.Nil(t, res.Invoice)
	opt, ok := res.CustomerProduct.Option("gigabytes")
	require.True(t, ok)
	require.NotNil(t, opt.UpcomingQuantity)
	assert.True(t, opt.UpcomingQuantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, h.balance(cus.ID, "gigabytes").CurrentBalance.Equal(decimal.NewFromInt(200)))

	h.clock.Set(start.AddDate(0, 1, 0).Add(time.Minute))
	report := h.renew()
	assert.Equal(t, 1, report.Renewed)

	assert.True(t, h.balance(cus.ID, "gigabytes").CurrentBalance.Equal(decimal.NewFromInt(100)))
	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	opt, ok = cps[0].Option("gigabytes")
	require.True(t, ok)
	assert.Nil(t, opt.UpcomingQuantity)
	assert.True(t, opt.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestPreviewUpdate(t *testing.T) {
	h := newHarness(t)
	h.feature("gigabytes", feature.TypeMetered, feature.UsageSingle)
	h.product(storagePlan())
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "storage", Options: gigabytes(100)})

	// Half a period left: one more pack costs half its price.
	h.clock.Advance(15 * 24 * time.Hour)
	preview, err := h.engine.PreviewUpdate(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "storage", Options: gigabytes(150)})
	require.NoError(t, err)
	assert.Equal(t, types.USD(500), preview.DueNow)

	opt, _ := h.products(cus.ID)[0].Option("gigabytes")
	assert.True(t, opt.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestUpdateRequiresOneMode(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	_, err := h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro"})
	require.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro", Cancel: tally.CancelImmediately, Uncancel: true})
	require.ErrorIs(t, err, tally.ErrInvalidInput)

	_, err = h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro", Uncancel: true})
	require.ErrorIs(t, err, tally.ErrNotCanceling)

	_, err = h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "premium", Cancel: tally.CancelImmediately})
	require.ErrorIs(t, err, tally.ErrCustomerProductNotFound)
}

func TestCancelImmediatelyRefundsUnusedBaseOnly(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	// Overage accrued before the cancel is not billed.
	_, err := h.track(cus.ID, "messages", 550)
	require.NoError(t, err)

	h.clock.Advance(15 * 24 * time.Hour)
	res, err := h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro", Cancel: tally.CancelImmediately})
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, invoice.ReasonCancel, res.Invoice.Reason)
	assert.Equal(t, types.USD(-1000), res.Invoice.Total)
	for _, l := range res.Invoice.LineItems {
		assert.Equal(t, invoice.LineItemRefund, l.Type)
	}

	// The group default takes over.
	require.NotNil(t, res.Replacement)
	assert.Equal(t, "free", res.Replacement.ProductKey)
	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.Equal(t, "free", cps[0].ProductKey)
	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(100)))
}

func TestCancelEndOfCycleBillsOverage(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	_, err := h.track(cus.ID, "messages", 510)
	require.NoError(t, err)

	res, err := h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro", Cancel: tally.CancelEndOfCycle})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceling, res.CustomerProduct.Status)
	require.NotNil(t, res.CustomerProduct.CanceledAt)
	periodEnd := start.AddDate(0, 1, 0)
	assert.True(t, res.CustomerProduct.CanceledAt.Equal(periodEnd))

	// Still usable until the term ends.
	check, err := h.engine.Check(h.ctx, tally.CheckRequest{CustomerID: cus.ID, FeatureKey: "messages", SkipCache: true})
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	h.clock.Set(periodEnd.Add(time.Minute))
	report := h.renew()
	assert.Equal(t, 1, report.Removed)

	final := h.invoices(cus.ID, invoice.ReasonCancel)
	require.Len(t, final, 1)
	assert.Equal(t, types.USD(1000), final[0].Total)
	require.Len(t, final[0].LineItems, 1)
	assert.Equal(t, invoice.LineItemOverage, final[0].LineItems[0].Type)
	assert.Equal(t, invoice.StatusPaid, final[0].Status)

	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.Equal(t, "free", cps[0].ProductKey)
}

func TestUncancel(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	_, err := h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro", Cancel: tally.CancelEndOfCycle})
	require.NoError(t, err)

	res, err := h.engine.UpdateSubscription(h.ctx, tally.UpdateRequest{CustomerID: cus.ID, ProductKey: "pro", Uncancel: true})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, res.CustomerProduct.Status)
	assert.Nil(t, res.CustomerProduct.CanceledAt)

	h.clock.Set(start.AddDate(0, 1, 0).Add(time.Minute))
	report := h.renew()
	assert.Equal(t, 1, report.Renewed)
	assert.Zero(t, report.Removed)
}
