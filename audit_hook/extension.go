// Package audithook bridges Tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/schedule"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/topup"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnFeatureCreated       = (*Extension)(nil)
	_ plugin.OnProductCreated       = (*Extension)(nil)
	_ plugin.OnCustomerCreated      = (*Extension)(nil)
	_ plugin.OnProductAttached      = (*Extension)(nil)
	_ plugin.OnSubscriptionUpdated  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired  = (*Extension)(nil)
	_ plugin.OnScheduleSynced       = (*Extension)(nil)
	_ plugin.OnQuotaExceeded        = (*Extension)(nil)
	_ plugin.OnBalanceOverridden    = (*Extension)(nil)
	_ plugin.OnTopupCompleted       = (*Extension)(nil)
	_ plugin.OnInvoiceGenerated     = (*Extension)(nil)
	_ plugin.OnInvoicePaid          = (*Extension)(nil)
	_ plugin.OnInvoiceFailed        = (*Extension)(nil)
	_ plugin.OnInvoiceVoided        = (*Extension)(nil)
	_ plugin.OnWebhookReceived      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

// OnFeatureCreated implements plugin.OnFeatureCreated.
func (e *Extension) OnFeatureCreated(ctx context.Context, f *feature.Feature) error {
	return e.record(ctx, ActionFeatureCreated, SeverityInfo, OutcomeSuccess,
		ResourceFeature, f.ID.String(), CategoryCatalog, nil,
		"feature", f.Key,
		"type", string(f.Type),
	)
}

// OnProductCreated implements plugin.OnProductCreated.
func (e *Extension) OnProductCreated(ctx context.Context, p *product.Product) error {
	return e.record(ctx, ActionProductCreated, SeverityInfo, OutcomeSuccess,
		ResourceProduct, p.ID.String(), CategoryCatalog, nil,
		"product", p.Key,
		"group", p.Group,
	)
}

// OnCustomerCreated implements plugin.OnCustomerCreated.
func (e *Extension) OnCustomerCreated(ctx context.Context, c *customer.Customer) error {
	return e.record(ctx, ActionCustomerCreated, SeverityInfo, OutcomeSuccess,
		ResourceCustomer, c.ID.String(), CategoryCatalog, nil,
		"external_id", c.ExternalID,
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnProductAttached implements plugin.OnProductAttached.
func (e *Extension) OnProductAttached(ctx context.Context, cp *subscription.CustomerProduct, kind subscription.AttachKind) error {
	action := ActionProductAttached
	switch kind {
	case subscription.AttachUpgrade:
		action = ActionSubscriptionUpgraded
	case subscription.AttachDowngrade:
		action = ActionSubscriptionDowngraded
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceCustomerProduct, cp.ID.String(), CategorySubscription, nil,
		productKV(cp, "kind", string(kind))...,
	)
}

// OnSubscriptionUpdated implements plugin.OnSubscriptionUpdated.
func (e *Extension) OnSubscriptionUpdated(ctx context.Context, cp *subscription.CustomerProduct) error {
	return e.record(ctx, ActionSubscriptionUpdated, SeverityInfo, OutcomeSuccess,
		ResourceCustomerProduct, cp.ID.String(), CategorySubscription, nil,
		productKV(cp)...,
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, cp *subscription.CustomerProduct) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceCustomerProduct, cp.ID.String(), CategorySubscription, nil,
		productKV(cp)...,
	)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, cp *subscription.CustomerProduct) error {
	return e.record(ctx, ActionSubscriptionExpired, SeverityInfo, OutcomeSuccess,
		ResourceCustomerProduct, cp.ID.String(), CategorySubscription, nil,
		productKV(cp)...,
	)
}

// OnScheduleSynced implements plugin.OnScheduleSynced. No-op syncs are not
// audited.
func (e *Extension) OnScheduleSynced(ctx context.Context, subscriptionID string, result *schedule.Result) error {
	if result == nil || result.Action.Kind == schedule.ActionNone {
		return nil
	}
	return e.record(ctx, ActionScheduleSynced, SeverityInfo, OutcomeSuccess,
		ResourceSchedule, result.ScheduleID, CategoryIntegration, nil,
		"subscription_id", subscriptionID,
		"action", string(result.Action.Kind),
		"attempts", result.Attempts,
	)
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, scope customer.Scope, featureKey string, requested decimal.Decimal) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, featureKey, CategoryAccess, nil,
		scopeKV(scope, "feature", featureKey, "requested", requested.String())...,
	)
}

// OnBalanceOverridden implements plugin.OnBalanceOverridden.
func (e *Extension) OnBalanceOverridden(ctx context.Context, scope customer.Scope, balance entitlement.Balance) error {
	return e.record(ctx, ActionBalanceOverridden, SeverityWarning, OutcomeSuccess,
		ResourceEntitlement, balance.FeatureKey, CategoryAccess, nil,
		scopeKV(scope, "feature", balance.FeatureKey, "balance", balance.NetBalance.String())...,
	)
}

// OnTopupCompleted implements plugin.OnTopupCompleted. Only purchases and
// declines are audited.
func (e *Extension) OnTopupCompleted(ctx context.Context, req topup.Request, result *topup.Result) error {
	switch result.Outcome {
	case topup.OutcomePurchased:
		return e.record(ctx, ActionTopupPurchased, SeverityInfo, OutcomeSuccess,
			ResourceTopup, result.TopupID.String(), CategoryPayment, nil,
			scopeKV(req.Scope, "feature", req.FeatureKey, "charged", result.Charged.String(), "credited", result.Credited.String())...,
		)
	case topup.OutcomeDeclined, topup.OutcomeNoPaymentMethod:
		return e.record(ctx, ActionTopupFailed, SeverityWarning, OutcomeFailure,
			ResourceTopup, result.TopupID.String(), CategoryPayment, nil,
			scopeKV(req.Scope, "feature", req.FeatureKey, "outcome", string(result.Outcome))...,
		)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceGenerated implements plugin.OnInvoiceGenerated.
func (e *Extension) OnInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoiceGenerated, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		invoiceKV(inv)...,
	)
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (e *Extension) OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoicePaid, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		invoiceKV(inv)...,
	)
}

// OnInvoiceFailed implements plugin.OnInvoiceFailed.
func (e *Extension) OnInvoiceFailed(ctx context.Context, inv *invoice.Invoice, err error) error {
	return e.record(ctx, ActionInvoiceFailed, SeverityCritical, OutcomeFailure,
		ResourceInvoice, inv.ID.String(), CategoryPayment, err,
		invoiceKV(inv)...,
	)
}

// OnInvoiceVoided implements plugin.OnInvoiceVoided.
func (e *Extension) OnInvoiceVoided(ctx context.Context, inv *invoice.Invoice, reason string) error {
	return e.record(ctx, ActionInvoiceVoided, SeverityWarning, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		append(invoiceKV(inv), "void_reason", reason)...,
	)
}

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, providerName string, event *provider.Event) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, event.ID, CategoryIntegration, nil,
		"provider", providerName,
		"type", event.Type,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func productKV(cp *subscription.CustomerProduct, extra ...any) []any {
	kv := []any{
		"customer_id", cp.CustomerID.String(),
		"product", cp.ProductKey,
		"status", string(cp.Status),
	}
	return append(kv, extra...)
}

func scopeKV(scope customer.Scope, extra ...any) []any {
	kv := []any{"org_id", scope.OrgID, "env", scope.Env, "customer_id", scope.CustomerID.String()}
	if !scope.EntityID.IsNil() {
		kv = append(kv, "entity_id", scope.EntityID.String())
	}
	return append(kv, extra...)
}

func invoiceKV(inv *invoice.Invoice) []any {
	return []any{
		"customer_id", inv.CustomerID.String(),
		"reason", string(inv.Reason),
		"total", inv.Total.String(),
	}
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
