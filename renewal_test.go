package tally_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func TestRenewalBillsOverageAndResets(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})

	_, err := h.track(cus.ID, "messages", 520)
	require.NoError(t, err)

	// Nothing is due mid-period.
	h.clock.Advance(10 * 24 * time.Hour)
	report := h.renew()
	assert.Zero(t, report.Renewed)

	periodEnd := start.AddDate(0, 1, 0)
	h.clock.Set(periodEnd.Add(time.Minute))
	report = h.renew()
	assert.Equal(t, 1, report.Renewed)

	renewals := h.invoices(cus.ID, invoice.ReasonRenewal)
	require.Len(t, renewals, 1)
	assert.Equal(t, types.USD(2000), renewals[0].Total)
	assert.Equal(t, invoice.StatusPaid, renewals[0].Status)

	bal := h.balance(cus.ID, "messages")
	assert.True(t, bal.CurrentBalance.Equal(decimal.NewFromInt(500)), "got %s", bal.CurrentBalance)
	assert.True(t, bal.Usage.IsZero())

	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.True(t, cps[0].CurrentPeriodStart.Equal(periodEnd))
	assert.True(t, cps[0].CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)))

	// A second pass in the same instant is a no-op.
	report = h.renew()
	assert.Zero(t, report.Renewed)
	assert.Len(t, h.invoices(cus.ID, invoice.ReasonRenewal), 1)
}

func TestRenewalFailedChargeIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})
	_, err := h.track(cus.ID, "messages", 501)
	require.NoError(t, err)

	h.provider.Decline(true)
	h.clock.Set(start.AddDate(0, 1, 0).Add(time.Minute))
	report := h.renew()
	assert.Equal(t, 1, report.Renewed)

	renewals := h.invoices(cus.ID, invoice.ReasonRenewal)
	require.Len(t, renewals, 1)
	assert.Equal(t, invoice.StatusFailed, renewals[0].Status)
	assert.True(t, h.balance(cus.ID, "messages").CurrentBalance.Equal(decimal.NewFromInt(500)))
}

func TestTrialEnds(t *testing.T) {
	h := newHarness(t)
	h.plans()
	h.product(&product.Product{
		Key:       "team",
		Group:     "plans",
		Currency:  "usd",
		FreeTrial: &product.FreeTrial{Length: 14, Unit: types.IntervalDay},
		Items: []product.Item{
			product.NewPriceItem(types.USD(3000), types.IntervalMonth),
			product.NewFeatureItem(product.FeatureItem{FeatureKey: "messages", Model: product.ModelFree, Included: decimal.NewFromInt(1000)}),
		},
	})
	cus := h.customer()

	res := h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "team"})
	assert.Equal(t, subscription.StatusTrialing, res.CustomerProduct.Status)
	require.NotNil(t, res.CustomerProduct.TrialEndsAt)
	trialEnd := start.AddDate(0, 0, 14)
	assert.True(t, res.CustomerProduct.TrialEndsAt.Equal(trialEnd))
	assert.Empty(t, h.provider.Invoices())

	h.clock.Set(trialEnd.Add(time.Minute))
	report := h.renew()
	assert.Equal(t, 1, report.TrialsEnded)

	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.Equal(t, subscription.StatusActive, cps[0].Status)
	assert.Nil(t, cps[0].TrialEndsAt)
	assert.True(t, cps[0].CurrentPeriodStart.Equal(trialEnd))
	assert.True(t, cps[0].CurrentPeriodEnd.Equal(trialEnd.AddDate(0, 1, 0)))
}

func TestTrialRequiringCard(t *testing.T) {
	h := newHarness(t)
	h.feature("messages", feature.TypeMetered, feature.UsageSingle)
	h.product(&product.Product{
		Key:       "team",
		Group:     "plans",
		Currency:  "usd",
		FreeTrial: &product.FreeTrial{Length: 7, Unit: types.IntervalDay, CardRequired: true},
		Items: []product.Item{
			product.NewPriceItem(types.USD(3000), types.IntervalMonth),
		},
	})
	h.product(&product.Product{
		Key:       "hobby",
		Group:     "hobby",
		Currency:  "usd",
		FreeTrial: &product.FreeTrial{Length: 7, Unit: types.IntervalDay},
		Items: []product.Item{
			product.NewPriceItem(types.USD(500), types.IntervalMonth),
		},
	})
	cardless := &customer.Customer{Name: "No Card", OrgID: testOrg, Env: testEnv}
	require.NoError(t, h.engine.CreateCustomer(h.ctx, cardless))

	_, err := h.engine.Attach(h.ctx, tally.AttachRequest{CustomerID: cardless.ID, ProductKey: "team"})
	require.ErrorIs(t, err, tally.ErrPaymentMethodMissing)
	assert.Empty(t, h.products(cardless.ID))

	res, err := h.engine.Attach(h.ctx, tally.AttachRequest{CustomerID: cardless.ID, ProductKey: "hobby"})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrialing, res.CustomerProduct.Status)
}

func signedEvent(t *testing.T, h *harness, evt provider.Event) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return payload, h.provider.Sign(payload)
}

func TestWebhookSubscriptionDeleted(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	res := h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})
	subID := res.CustomerProduct.SubscriptionIDs[0]

	payload, sig := signedEvent(t, h, provider.Event{ID: "evt_1", Type: provider.EventSubscriptionDeleted, SubscriptionID: subID})
	evt, err := h.engine.HandleWebhook(h.ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)

	cps := h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.Equal(t, "free", cps[0].ProductKey)

	// Redelivery is acknowledged without touching state.
	_, err = h.engine.HandleWebhook(h.ctx, payload, sig)
	require.NoError(t, err)
	cps = h.products(cus.ID)
	require.Len(t, cps, 1)
	assert.Equal(t, "free", cps[0].ProductKey)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	payload, _ := signedEvent(t, h, provider.Event{ID: "evt_2", Type: provider.EventInvoicePaid, InvoiceID: "in_1"})

	_, err := h.engine.HandleWebhook(h.ctx, payload, "deadbeef")
	require.ErrorIs(t, err, tally.ErrProviderWebhook)
}

func TestWebhookUntrackedInvoice(t *testing.T) {
	h := newHarness(t)
	payload, sig := signedEvent(t, h, provider.Event{ID: "evt_3", Type: provider.EventInvoicePaid, InvoiceID: "in_unknown"})

	evt, err := h.engine.HandleWebhook(h.ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, provider.EventInvoicePaid, evt.Type)
}

func TestWebhookFailedDeliveryIsRetried(t *testing.T) {
	h := newHarness(t)
	h.plans()
	cus := h.customer()
	res := h.attach(tally.AttachRequest{CustomerID: cus.ID, ProductKey: "pro"})
	subID := res.CustomerProduct.SubscriptionIDs[0]

	payload, sig := signedEvent(t, h, provider.Event{ID: "evt_4", Type: provider.EventSubscriptionUpdated, SubscriptionID: subID})

	h.provider.FailNext(tally.ErrProviderUnavailable, tally.ErrProviderUnavailable)
	_, err := h.engine.HandleWebhook(h.ctx, payload, sig)
	require.ErrorIs(t, err, tally.ErrProviderUnavailable)

	// The second delivery runs the handler again and meets the second outage.
	_, err = h.engine.HandleWebhook(h.ctx, payload, sig)
	require.ErrorIs(t, err, tally.ErrProviderUnavailable)

	_, err = h.engine.HandleWebhook(h.ctx, payload, sig)
	require.NoError(t, err)

	// Once applied, redeliveries are dropped before reaching the provider.
	h.provider.FailNext(tally.ErrProviderUnavailable)
	_, err = h.engine.HandleWebhook(h.ctx, payload, sig)
	require.NoError(t, err)
}
