package audithook

// Action constants for audit events.
const (
	// Catalog actions
	ActionFeatureCreated  = "feature.created"
	ActionProductCreated  = "product.created"
	ActionCustomerCreated = "customer.created"

	// Subscription actions
	ActionProductAttached        = "product.attached"
	ActionSubscriptionUpgraded   = "subscription.upgraded"
	ActionSubscriptionDowngraded = "subscription.downgraded"
	ActionSubscriptionUpdated    = "subscription.updated"
	ActionSubscriptionCanceled   = "subscription.canceled"
	ActionSubscriptionExpired    = "subscription.expired"
	ActionScheduleSynced         = "schedule.synced"

	// Balance actions
	ActionQuotaExceeded     = "quota.exceeded"
	ActionBalanceOverridden = "balance.overridden"
	ActionTopupPurchased    = "topup.purchased"
	ActionTopupFailed       = "topup.failed"

	// Invoice actions
	ActionInvoiceGenerated = "invoice.generated"
	ActionInvoicePaid      = "invoice.paid"
	ActionInvoiceFailed    = "invoice.failed"
	ActionInvoiceVoided    = "invoice.voided"

	// Provider actions
	ActionWebhookReceived = "webhook.received"
)

// Resource constants for audit events.
const (
	ResourceFeature         = "feature"
	ResourceProduct         = "product"
	ResourceCustomer        = "customer"
	ResourceCustomerProduct = "customer_product"
	ResourceSchedule        = "schedule"
	ResourceEntitlement     = "entitlement"
	ResourceTopup           = "topup"
	ResourceInvoice         = "invoice"
	ResourceWebhook         = "webhook"
)

// Category constants for audit events.
const (
	CategoryCatalog      = "catalog"
	CategorySubscription = "subscription"
	CategoryAccess       = "access"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
