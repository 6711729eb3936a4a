package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

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

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onFeatureCreated       []OnFeatureCreated
	onProductCreated       []OnProductCreated
	onCustomerCreated      []OnCustomerCreated
	onProductAttached      []OnProductAttached
	onSubscriptionUpdated  []OnSubscriptionUpdated
	onSubscriptionCanceled []OnSubscriptionCanceled
	onSubscriptionExpired  []OnSubscriptionExpired
	onScheduleSynced       []OnScheduleSynced
	onUsageTracked         []OnUsageTracked
	onBalanceChecked       []OnBalanceChecked
	onQuotaExceeded        []OnQuotaExceeded
	onBalanceOverridden    []OnBalanceOverridden
	onInvoiceGenerated     []OnInvoiceGenerated
	onInvoicePaid          []OnInvoicePaid
	onInvoiceFailed        []OnInvoiceFailed
	onInvoiceVoided        []OnInvoiceVoided
	onTopupCompleted       []OnTopupCompleted
	onProviderSync         []OnProviderSync
	onWebhookReceived      []OnWebhookReceived
	paymentProviders       []PaymentProviderPlugin
	couponValidators       []CouponValidator
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets how long a single hook may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnFeatureCreated); ok {
		r.onFeatureCreated = append(r.onFeatureCreated, v)
	}
	if v, ok := p.(OnProductCreated); ok {
		r.onProductCreated = append(r.onProductCreated, v)
	}
	if v, ok := p.(OnCustomerCreated); ok {
		r.onCustomerCreated = append(r.onCustomerCreated, v)
	}
	if v, ok := p.(OnProductAttached); ok {
		r.onProductAttached = append(r.onProductAttached, v)
	}
	if v, ok := p.(OnSubscriptionUpdated); ok {
		r.onSubscriptionUpdated = append(r.onSubscriptionUpdated, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
	}
	if v, ok := p.(OnScheduleSynced); ok {
		r.onScheduleSynced = append(r.onScheduleSynced, v)
	}
	if v, ok := p.(OnUsageTracked); ok {
		r.onUsageTracked = append(r.onUsageTracked, v)
	}
	if v, ok := p.(OnBalanceChecked); ok {
		r.onBalanceChecked = append(r.onBalanceChecked, v)
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
	}
	if v, ok := p.(OnBalanceOverridden); ok {
		r.onBalanceOverridden = append(r.onBalanceOverridden, v)
	}
	if v, ok := p.(OnInvoiceGenerated); ok {
		r.onInvoiceGenerated = append(r.onInvoiceGenerated, v)
	}
	if v, ok := p.(OnInvoicePaid); ok {
		r.onInvoicePaid = append(r.onInvoicePaid, v)
	}
	if v, ok := p.(OnInvoiceFailed); ok {
		r.onInvoiceFailed = append(r.onInvoiceFailed, v)
	}
	if v, ok := p.(OnInvoiceVoided); ok {
		r.onInvoiceVoided = append(r.onInvoiceVoided, v)
	}
	if v, ok := p.(OnTopupCompleted); ok {
		r.onTopupCompleted = append(r.onTopupCompleted, v)
	}
	if v, ok := p.(OnProviderSync); ok {
		r.onProviderSync = append(r.onProviderSync, v)
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
	}
	if v, ok := p.(PaymentProviderPlugin); ok {
		r.paymentProviders = append(r.paymentProviders, v)
	}
	if v, ok := p.(CouponValidator); ok {
		r.couponValidators = append(r.couponValidators, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnFeatureCreated", reflect.TypeOf((*OnFeatureCreated)(nil)).Elem()},
	{"OnProductCreated", reflect.TypeOf((*OnProductCreated)(nil)).Elem()},
	{"OnProductAttached", reflect.TypeOf((*OnProductAttached)(nil)).Elem()},
	{"OnUsageTracked", reflect.TypeOf((*OnUsageTracked)(nil)).Elem()},
	{"OnBalanceChecked", reflect.TypeOf((*OnBalanceChecked)(nil)).Elem()},
	{"OnInvoiceGenerated", reflect.TypeOf((*OnInvoiceGenerated)(nil)).Elem()},
	{"OnTopupCompleted", reflect.TypeOf((*OnTopupCompleted)(nil)).Elem()},
	{"PaymentProvider", reflect.TypeOf((*PaymentProviderPlugin)(nil)).Elem()},
	{"CouponValidator", reflect.TypeOf((*CouponValidator)(nil)).Elem()},
}

// implementedInterfaces lists the main hooks p implements, for logging.
func implementedInterfaces(p Plugin) []string {
	var out []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			out = append(out, h.name)
		}
	}
	return out
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// dispatch calls fn for every hook under the registry timeout. Failures are
// logged and never propagate into the billing pipeline.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, fn func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	dispatch(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	dispatch(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitFeatureCreated(ctx context.Context, f *feature.Feature) {
	dispatch(ctx, r, "OnFeatureCreated", snapshot(r, &r.onFeatureCreated), func(p OnFeatureCreated) error {
		return p.OnFeatureCreated(ctx, f)
	})
}

func (r *Registry) EmitProductCreated(ctx context.Context, prod *product.Product) {
	dispatch(ctx, r, "OnProductCreated", snapshot(r, &r.onProductCreated), func(p OnProductCreated) error {
		return p.OnProductCreated(ctx, prod)
	})
}

func (r *Registry) EmitCustomerCreated(ctx context.Context, c *customer.Customer) {
	dispatch(ctx, r, "OnCustomerCreated", snapshot(r, &r.onCustomerCreated), func(p OnCustomerCreated) error {
		return p.OnCustomerCreated(ctx, c)
	})
}

func (r *Registry) EmitProductAttached(ctx context.Context, cp *subscription.CustomerProduct, kind subscription.AttachKind) {
	dispatch(ctx, r, "OnProductAttached", snapshot(r, &r.onProductAttached), func(p OnProductAttached) error {
		return p.OnProductAttached(ctx, cp, kind)
	})
}

func (r *Registry) EmitSubscriptionUpdated(ctx context.Context, cp *subscription.CustomerProduct) {
	dispatch(ctx, r, "OnSubscriptionUpdated", snapshot(r, &r.onSubscriptionUpdated), func(p OnSubscriptionUpdated) error {
		return p.OnSubscriptionUpdated(ctx, cp)
	})
}

func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, cp *subscription.CustomerProduct) {
	dispatch(ctx, r, "OnSubscriptionCanceled", snapshot(r, &r.onSubscriptionCanceled), func(p OnSubscriptionCanceled) error {
		return p.OnSubscriptionCanceled(ctx, cp)
	})
}

func (r *Registry) EmitSubscriptionExpired(ctx context.Context, cp *subscription.CustomerProduct) {
	dispatch(ctx, r, "OnSubscriptionExpired", snapshot(r, &r.onSubscriptionExpired), func(p OnSubscriptionExpired) error {
		return p.OnSubscriptionExpired(ctx, cp)
	})
}

func (r *Registry) EmitScheduleSynced(ctx context.Context, subscriptionID string, res *schedule.Result) {
	dispatch(ctx, r, "OnScheduleSynced", snapshot(r, &r.onScheduleSynced), func(p OnScheduleSynced) error {
		return p.OnScheduleSynced(ctx, subscriptionID, res)
	})
}

func (r *Registry) EmitUsageTracked(ctx context.Context, ev *meter.Event, bal entitlement.Balance) {
	dispatch(ctx, r, "OnUsageTracked", snapshot(r, &r.onUsageTracked), func(p OnUsageTracked) error {
		return p.OnUsageTracked(ctx, ev, bal)
	})
}

func (r *Registry) EmitBalanceChecked(ctx context.Context, scope customer.Scope, bal entitlement.Balance, allowed bool) {
	dispatch(ctx, r, "OnBalanceChecked", snapshot(r, &r.onBalanceChecked), func(p OnBalanceChecked) error {
		return p.OnBalanceChecked(ctx, scope, bal, allowed)
	})
}

func (r *Registry) EmitQuotaExceeded(ctx context.Context, scope customer.Scope, featureKey string, requested decimal.Decimal) {
	dispatch(ctx, r, "OnQuotaExceeded", snapshot(r, &r.onQuotaExceeded), func(p OnQuotaExceeded) error {
		return p.OnQuotaExceeded(ctx, scope, featureKey, requested)
	})
}

func (r *Registry) EmitBalanceOverridden(ctx context.Context, scope customer.Scope, bal entitlement.Balance) {
	dispatch(ctx, r, "OnBalanceOverridden", snapshot(r, &r.onBalanceOverridden), func(p OnBalanceOverridden) error {
		return p.OnBalanceOverridden(ctx, scope, bal)
	})
}

func (r *Registry) EmitInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) {
	dispatch(ctx, r, "OnInvoiceGenerated", snapshot(r, &r.onInvoiceGenerated), func(p OnInvoiceGenerated) error {
		return p.OnInvoiceGenerated(ctx, inv)
	})
}

func (r *Registry) EmitInvoicePaid(ctx context.Context, inv *invoice.Invoice) {
	dispatch(ctx, r, "OnInvoicePaid", snapshot(r, &r.onInvoicePaid), func(p OnInvoicePaid) error {
		return p.OnInvoicePaid(ctx, inv)
	})
}

func (r *Registry) EmitInvoiceFailed(ctx context.Context, inv *invoice.Invoice, cause error) {
	dispatch(ctx, r, "OnInvoiceFailed", snapshot(r, &r.onInvoiceFailed), func(p OnInvoiceFailed) error {
		return p.OnInvoiceFailed(ctx, inv, cause)
	})
}

func (r *Registry) EmitInvoiceVoided(ctx context.Context, inv *invoice.Invoice, reason string) {
	dispatch(ctx, r, "OnInvoiceVoided", snapshot(r, &r.onInvoiceVoided), func(p OnInvoiceVoided) error {
		return p.OnInvoiceVoided(ctx, inv, reason)
	})
}

func (r *Registry) EmitTopupCompleted(ctx context.Context, req topup.Request, res *topup.Result) {
	dispatch(ctx, r, "OnTopupCompleted", snapshot(r, &r.onTopupCompleted), func(p OnTopupCompleted) error {
		return p.OnTopupCompleted(ctx, req, res)
	})
}

func (r *Registry) EmitProviderSync(ctx context.Context, providerName, operation string, syncErr error) {
	dispatch(ctx, r, "OnProviderSync", snapshot(r, &r.onProviderSync), func(p OnProviderSync) error {
		return p.OnProviderSync(ctx, providerName, operation, syncErr)
	})
}

func (r *Registry) EmitWebhookReceived(ctx context.Context, providerName string, evt *provider.Event) {
	dispatch(ctx, r, "OnWebhookReceived", snapshot(r, &r.onWebhookReceived), func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, providerName, evt)
	})
}

// ValidateCoupon runs every CouponValidator and returns the first veto.
// Unlike event hooks, validator errors are returned to the caller.
func (r *Registry) ValidateCoupon(ctx context.Context, c *coupon.Coupon, cp *subscription.CustomerProduct) error {
	for _, v := range snapshot(r, &r.couponValidators) {
		if err := r.callWithTimeout(ctx, v.Name(), func() error {
			return v.ValidateCoupon(ctx, c, cp)
		}); err != nil {
			return fmt.Errorf("plugin %s: %w", v.Name(), err)
		}
	}
	return nil
}

// PaymentProvider returns the provider of the first PaymentProviderPlugin,
// or nil.
func (r *Registry) PaymentProvider() provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.paymentProviders) == 0 {
		return nil
	}
	return r.paymentProviders[0].Provider()
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
