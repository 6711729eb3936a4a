// Package observability provides a metrics extension that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/schedule"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnProductAttached      = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired  = (*MetricsExtension)(nil)
	_ plugin.OnScheduleSynced       = (*MetricsExtension)(nil)
	_ plugin.OnUsageTracked         = (*MetricsExtension)(nil)
	_ plugin.OnBalanceChecked       = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded        = (*MetricsExtension)(nil)
	_ plugin.OnTopupCompleted       = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceGenerated     = (*MetricsExtension)(nil)
	_ plugin.OnInvoicePaid          = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceFailed        = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceVoided        = (*MetricsExtension)(nil)
	_ plugin.OnProviderSync         = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived      = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a plugin to track billing metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Subscription metrics
	ProductAttached        Counter
	SubscriptionUpgraded   Counter
	SubscriptionDowngraded Counter
	SubscriptionCanceled   Counter
	SubscriptionExpired    Counter
	ScheduleWrites         Counter
	ScheduleAttempts       Histogram

	// Usage metrics
	UsageTracked Counter
	UsageValue   Histogram

	// Balance metrics
	BalanceChecks  Counter
	BalanceDenied  Counter
	QuotaExceeded  Counter
	TopupPurchased Counter
	TopupSkipped   Counter

	// Invoice metrics
	InvoiceGenerated Counter
	InvoicePaid      Counter
	InvoiceFailed    Counter
	InvoiceVoided    Counter
	InvoiceTotal     Histogram

	// Provider metrics
	ProviderSyncSuccess Counter
	ProviderSyncFailure Counter
	WebhookReceived     Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		ProductAttached:        factory.Counter("tally.product.attached"),
		SubscriptionUpgraded:   factory.Counter("tally.subscription.upgraded"),
		SubscriptionDowngraded: factory.Counter("tally.subscription.downgraded"),
		SubscriptionCanceled:   factory.Counter("tally.subscription.canceled"),
		SubscriptionExpired:    factory.Counter("tally.subscription.expired"),
		ScheduleWrites:         factory.Counter("tally.schedule.writes"),
		ScheduleAttempts:       factory.Histogram("tally.schedule.attempts"),

		UsageTracked: factory.Counter("tally.usage.tracked"),
		UsageValue:   factory.Histogram("tally.usage.value"),

		BalanceChecks:  factory.Counter("tally.balance.checks"),
		BalanceDenied:  factory.Counter("tally.balance.denied"),
		QuotaExceeded:  factory.Counter("tally.balance.quota_exceeded"),
		TopupPurchased: factory.Counter("tally.topup.purchased"),
		TopupSkipped:   factory.Counter("tally.topup.skipped"),

		InvoiceGenerated: factory.Counter("tally.invoice.generated"),
		InvoicePaid:      factory.Counter("tally.invoice.paid"),
		InvoiceFailed:    factory.Counter("tally.invoice.failed"),
		InvoiceVoided:    factory.Counter("tally.invoice.voided"),
		InvoiceTotal:     factory.Histogram("tally.invoice.total_minor"),

		ProviderSyncSuccess: factory.Counter("tally.provider.sync.success"),
		ProviderSyncFailure: factory.Counter("tally.provider.sync.failure"),
		WebhookReceived:     factory.Counter("tally.webhook.received"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnProductAttached implements plugin.OnProductAttached.
func (m *MetricsExtension) OnProductAttached(_ context.Context, _ *subscription.CustomerProduct, kind subscription.AttachKind) error {
	switch kind {
	case subscription.AttachUpgrade:
		m.SubscriptionUpgraded.Inc()
	case subscription.AttachDowngrade:
		m.SubscriptionDowngraded.Inc()
	default:
		m.ProductAttached.Inc()
	}
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.CustomerProduct) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ *subscription.CustomerProduct) error {
	m.SubscriptionExpired.Inc()
	return nil
}

// OnScheduleSynced implements plugin.OnScheduleSynced.
func (m *MetricsExtension) OnScheduleSynced(_ context.Context, _ string, result *schedule.Result) error {
	if result == nil || result.Action.Kind == schedule.ActionNone {
		return nil
	}
	m.ScheduleWrites.Inc()
	m.ScheduleAttempts.Observe(float64(result.Attempts))
	return nil
}

// ──────────────────────────────────────────────────
// Usage and balance hooks
// ──────────────────────────────────────────────────

// OnUsageTracked implements plugin.OnUsageTracked.
func (m *MetricsExtension) OnUsageTracked(_ context.Context, event *meter.Event, _ entitlement.Balance) error {
	m.UsageTracked.Inc()
	m.UsageValue.Observe(event.Value.InexactFloat64())
	return nil
}

// OnBalanceChecked implements plugin.OnBalanceChecked.
func (m *MetricsExtension) OnBalanceChecked(_ context.Context, _ customer.Scope, _ entitlement.Balance, allowed bool) error {
	m.BalanceChecks.Inc()
	if !allowed {
		m.BalanceDenied.Inc()
	}
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _ customer.Scope, _ string, _ decimal.Decimal) error {
	m.QuotaExceeded.Inc()
	return nil
}

// OnTopupCompleted implements plugin.OnTopupCompleted.
func (m *MetricsExtension) OnTopupCompleted(_ context.Context, _ topup.Request, result *topup.Result) error {
	if result.Outcome == topup.OutcomePurchased {
		m.TopupPurchased.Inc()
	} else {
		m.TopupSkipped.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceGenerated implements plugin.OnInvoiceGenerated.
func (m *MetricsExtension) OnInvoiceGenerated(_ context.Context, inv *invoice.Invoice) error {
	m.InvoiceGenerated.Inc()
	m.InvoiceTotal.Observe(float64(inv.Total.Amount))
	return nil
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (m *MetricsExtension) OnInvoicePaid(_ context.Context, _ *invoice.Invoice) error {
	m.InvoicePaid.Inc()
	return nil
}

// OnInvoiceFailed implements plugin.OnInvoiceFailed.
func (m *MetricsExtension) OnInvoiceFailed(_ context.Context, _ *invoice.Invoice, _ error) error {
	m.InvoiceFailed.Inc()
	return nil
}

// OnInvoiceVoided implements plugin.OnInvoiceVoided.
func (m *MetricsExtension) OnInvoiceVoided(_ context.Context, _ *invoice.Invoice, _ string) error {
	m.InvoiceVoided.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Provider lifecycle hooks
// ──────────────────────────────────────────────────

// OnProviderSync implements plugin.OnProviderSync.
func (m *MetricsExtension) OnProviderSync(_ context.Context, _, _ string, err error) error {
	if err == nil {
		m.ProviderSyncSuccess.Inc()
	} else {
		m.ProviderSyncFailure.Inc()
	}
	return nil
}

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _ string, _ *provider.Event) error {
	m.WebhookReceived.Inc()
	return nil
}
