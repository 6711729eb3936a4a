package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions audits only the given actions. Without it or
// WithCategories every action is audited.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, action := range actions {
			e.enabled[action] = true
		}
	}
}

// WithCategories audits only actions of the given categories, e.g.
// CategoryPayment for invoices and top-ups.
func WithCategories(categories ...string) Option {
	return func(e *Extension) {
		want := make(map[string]bool, len(categories))
		for _, c := range categories {
			want[c] = true
		}
		e.enabled = make(map[string]bool)
		for action, category := range actionCategories {
			if want[category] {
				e.enabled[action] = true
			}
		}
	}
}

// WithDisabledActions skips the given actions. Applied after an allow list
// it narrows that list.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			e.enabled = make(map[string]bool, len(actionCategories))
			for action := range actionCategories {
				e.enabled[action] = true
			}
		}
		for _, action := range actions {
			delete(e.enabled, action)
		}
	}
}

// actionCategories maps every known action to the category it is recorded
// under.
var actionCategories = map[string]string{
	ActionFeatureCreated:  CategoryCatalog,
	ActionProductCreated:  CategoryCatalog,
	ActionCustomerCreated: CategoryCatalog,

	ActionProductAttached:        CategorySubscription,
	ActionSubscriptionUpgraded:   CategorySubscription,
	ActionSubscriptionDowngraded: CategorySubscription,
	ActionSubscriptionUpdated:    CategorySubscription,
	ActionSubscriptionCanceled:   CategorySubscription,
	ActionSubscriptionExpired:    CategorySubscription,

	ActionQuotaExceeded:     CategoryAccess,
	ActionBalanceOverridden: CategoryAccess,

	ActionTopupPurchased:   CategoryPayment,
	ActionTopupFailed:      CategoryPayment,
	ActionInvoiceGenerated: CategoryPayment,
	ActionInvoicePaid:      CategoryPayment,
	ActionInvoiceFailed:    CategoryPayment,
	ActionInvoiceVoided:    CategoryPayment,

	ActionScheduleSynced:  CategoryIntegration,
	ActionWebhookReceived: CategoryIntegration,
}
