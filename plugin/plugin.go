// Package plugin provides an extensible plugin system for the engine.
// Plugins can hook into lifecycle events to extend functionality.
package plugin

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/schedule"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *tally.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

type OnFeatureCreated interface {
	Plugin
	OnFeatureCreated(ctx context.Context, f *feature.Feature) error
}

type OnProductCreated interface {
	Plugin
	OnProductCreated(ctx context.Context, p *product.Product) error
}

type OnCustomerCreated interface {
	Plugin
	OnCustomerCreated(ctx context.Context, c *customer.Customer) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnProductAttached is called after an attach commits.
type OnProductAttached interface {
	Plugin
	OnProductAttached(ctx context.Context, cp *subscription.CustomerProduct, kind subscription.AttachKind) error
}

// OnSubscriptionUpdated is called after quantities change or a
// cancellation is reverted.
type OnSubscriptionUpdated interface {
	Plugin
	OnSubscriptionUpdated(ctx context.Context, cp *subscription.CustomerProduct) error
}

// OnSubscriptionCanceled is called when a product starts canceling or is
// canceled immediately.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, cp *subscription.CustomerProduct) error
}

// OnSubscriptionExpired is called when a product is removed.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, cp *subscription.CustomerProduct) error
}

// OnScheduleSynced is called after the remote schedule of a subscription
// was reconciled.
type OnScheduleSynced interface {
	Plugin
	OnScheduleSynced(ctx context.Context, subscriptionID string, result *schedule.Result) error
}

// ──────────────────────────────────────────────────
// Usage and balance hooks
// ──────────────────────────────────────────────────

type OnUsageTracked interface {
	Plugin
	OnUsageTracked(ctx context.Context, event *meter.Event, balance entitlement.Balance) error
}

type OnBalanceChecked interface {
	Plugin
	OnBalanceChecked(ctx context.Context, scope customer.Scope, balance entitlement.Balance, allowed bool) error
}

// OnQuotaExceeded is called when usage was rejected for lack of balance.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, scope customer.Scope, featureKey string, requested decimal.Decimal) error
}

type OnBalanceOverridden interface {
	Plugin
	OnBalanceOverridden(ctx context.Context, scope customer.Scope, balance entitlement.Balance) error
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceGenerated is called when an invoice is recorded.
type OnInvoiceGenerated interface {
	Plugin
	OnInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoicePaid is called when an invoice is paid.
type OnInvoicePaid interface {
	Plugin
	OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceFailed is called when an invoice payment fails.
type OnInvoiceFailed interface {
	Plugin
	OnInvoiceFailed(ctx context.Context, inv *invoice.Invoice, err error) error
}

// OnInvoiceVoided is called when an invoice is voided.
type OnInvoiceVoided interface {
	Plugin
	OnInvoiceVoided(ctx context.Context, inv *invoice.Invoice, reason string) error
}

// ──────────────────────────────────────────────────
// Top-up hooks
// ──────────────────────────────────────────────────

// OnTopupCompleted is called for every processed top-up trigger, whatever
// its outcome.
type OnTopupCompleted interface {
	Plugin
	OnTopupCompleted(ctx context.Context, req topup.Request, result *topup.Result) error
}

// ──────────────────────────────────────────────────
// Payment provider hooks
// ──────────────────────────────────────────────────

// PaymentProviderPlugin provides a payment provider implementation. The
// engine uses the first one registered when none is configured.
type PaymentProviderPlugin interface {
	Plugin
	Provider() provider.Provider
}

// OnProviderSync is called after a catalog or subscription write to the
// payment provider.
type OnProviderSync interface {
	Plugin
	OnProviderSync(ctx context.Context, providerName, operation string, err error) error
}

// OnWebhookReceived is called for every verified webhook event.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, providerName string, event *provider.Event) error
}

// ──────────────────────────────────────────────────
// Coupon validators
// ──────────────────────────────────────────────────

// CouponValidator can veto a coupon before it is applied to an attach
// invoice.
type CouponValidator interface {
	Plugin
	ValidateCoupon(ctx context.Context, c *coupon.Coupon, cp *subscription.CustomerProduct) error
}
