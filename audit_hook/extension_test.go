package audithook

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
	"github.com/xraph/tally/types"
)

type captured struct{ events []*AuditEvent }

func (c *captured) Record(_ context.Context, evt *AuditEvent) error {
	c.events = append(c.events, evt)
	return nil
}

func TestAttachActions(t *testing.T) {
	rec := &captured{}
	ext := New(rec)
	ctx := context.Background()
	cp := &subscription.CustomerProduct{ID: id.NewCustomerProductID(), ProductKey: "pro", Status: subscription.StatusActive}

	require.NoError(t, ext.OnProductAttached(ctx, cp, subscription.AttachNew))
	require.NoError(t, ext.OnProductAttached(ctx, cp, subscription.AttachUpgrade))
	require.NoError(t, ext.OnProductAttached(ctx, cp, subscription.AttachDowngrade))

	require.Len(t, rec.events, 3)
	assert.Equal(t, ActionProductAttached, rec.events[0].Action)
	assert.Equal(t, ActionSubscriptionUpgraded, rec.events[1].Action)
	assert.Equal(t, ActionSubscriptionDowngraded, rec.events[2].Action)
	assert.Equal(t, "pro", rec.events[0].Metadata["product"])
	assert.Equal(t, cp.ID.String(), rec.events[0].ResourceID)
}

func TestInvoiceFailedCarriesReason(t *testing.T) {
	rec := &captured{}
	ext := New(rec)
	inv := invoice.New("usd", invoice.ReasonRenewal, nil)

	require.NoError(t, ext.OnInvoiceFailed(context.Background(), inv, errors.New("card declined")))
	require.Len(t, rec.events, 1)
	evt := rec.events[0]
	assert.Equal(t, SeverityCritical, evt.Severity)
	assert.Equal(t, OutcomeFailure, evt.Outcome)
	assert.Equal(t, "card declined", evt.Reason)
	assert.Equal(t, "renewal", evt.Metadata["reason"])
}

func TestTopupOnlyAuditsPurchasesAndFailures(t *testing.T) {
	rec := &captured{}
	ext := New(rec)
	ctx := context.Background()
	req := topup.Request{Scope: customer.Scope{OrgID: "org", Env: "test", CustomerID: id.NewCustomerID()}, FeatureKey: "credits"}

	require.NoError(t, ext.OnTopupCompleted(ctx, req, &topup.Result{Outcome: topup.OutcomeAboveThreshold}))
	require.NoError(t, ext.OnTopupCompleted(ctx, req, &topup.Result{Outcome: topup.OutcomePurchased, Charged: types.USD(500), Credited: decimal.NewFromInt(100)}))
	require.NoError(t, ext.OnTopupCompleted(ctx, req, &topup.Result{Outcome: topup.OutcomeDeclined}))

	require.Len(t, rec.events, 2)
	assert.Equal(t, ActionTopupPurchased, rec.events[0].Action)
	assert.Equal(t, "100", rec.events[0].Metadata["credited"])
	assert.Equal(t, ActionTopupFailed, rec.events[1].Action)
}

func TestDisabledActions(t *testing.T) {
	rec := &captured{}
	ext := New(rec, WithDisabledActions(ActionQuotaExceeded))
	scope := customer.Scope{CustomerID: id.NewCustomerID()}

	require.NoError(t, ext.OnQuotaExceeded(context.Background(), scope, "messages", decimal.NewFromInt(1)))
	assert.Empty(t, rec.events)

	ext = New(rec, WithEnabledActions(ActionQuotaExceeded))
	require.NoError(t, ext.OnQuotaExceeded(context.Background(), scope, "messages", decimal.NewFromInt(1)))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "1", rec.events[0].Metadata["requested"])
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	ext := New(RecorderFunc(func(context.Context, *AuditEvent) error {
		return errors.New("backend down")
	}))
	cp := &subscription.CustomerProduct{ID: id.NewCustomerProductID()}
	assert.NoError(t, ext.OnSubscriptionExpired(context.Background(), cp))
}

func TestWithCategories(t *testing.T) {
	rec := &captured{}
	ext := New(rec, WithCategories(CategoryPayment), WithDisabledActions(ActionInvoicePaid))
	ctx := context.Background()
	inv := invoice.New("usd", invoice.ReasonAttach, []invoice.LineItem{{Amount: types.USD(2000)}})
	cp := &subscription.CustomerProduct{ID: id.NewCustomerProductID()}

	require.NoError(t, ext.OnProductAttached(ctx, cp, subscription.AttachNew))
	require.NoError(t, ext.OnInvoicePaid(ctx, inv))
	require.NoError(t, ext.OnInvoiceGenerated(ctx, inv))

	require.Len(t, rec.events, 1)
	assert.Equal(t, ActionInvoiceGenerated, rec.events[0].Action)
	assert.Equal(t, CategoryPayment, rec.events[0].Category)
}

func TestEveryActionHasACategory(t *testing.T) {
	for action, category := range actionCategories {
		assert.NotEmpty(t, category, action)
	}
	assert.Len(t, actionCategories, 19)
}
