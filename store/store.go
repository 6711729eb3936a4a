package store

import (
	"context"
	"time"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/customer"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/feature"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/product"
	"github.com/xraph/tally/subscription"
)

// Store is the unified storage interface for all tally entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Feature methods
	CreateFeature(ctx context.Context, f *feature.Feature) error
	GetFeature(ctx context.Context, orgID, env, key string) (*feature.Feature, error)
	GetFeatureByID(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error)
	ListFeatures(ctx context.Context, orgID, env string) ([]*feature.Feature, error)
	ArchiveFeature(ctx context.Context, featureID id.FeatureID) error

	// Product methods
	CreateProduct(ctx context.Context, p *product.Product) error
	GetProduct(ctx context.Context, productID id.ProductID) (*product.Product, error)
	GetProductByKey(ctx context.Context, orgID, env, key string) (*product.Product, error)
	ListProducts(ctx context.Context, orgID, env string, opts product.ListOpts) ([]*product.Product, error)
	UpdateProduct(ctx context.Context, p *product.Product) error
	ArchiveProduct(ctx context.Context, productID id.ProductID) error

	// Customer methods
	CreateCustomer(ctx context.Context, c *customer.Customer) error
	GetCustomer(ctx context.Context, customerID id.CustomerID) (*customer.Customer, error)
	GetCustomerByExternalID(ctx context.Context, orgID, env, externalID string) (*customer.Customer, error)
	UpdateCustomer(ctx context.Context, c *customer.Customer) error
	DeleteCustomer(ctx context.Context, customerID id.CustomerID) error
	CreateEntity(ctx context.Context, e *customer.Entity) error
	GetEntity(ctx context.Context, entityID id.EntityID) (*customer.Entity, error)
	ListEntities(ctx context.Context, customerID id.CustomerID) ([]*customer.Entity, error)
	DeleteEntity(ctx context.Context, entityID id.EntityID) error

	// Customer product methods
	CreateCustomerProduct(ctx context.Context, cp *subscription.CustomerProduct) error
	GetCustomerProduct(ctx context.Context, cpID id.CustomerProductID) (*subscription.CustomerProduct, error)
	ListCustomerProducts(ctx context.Context, customerID id.CustomerID, opts subscription.ListOpts) ([]*subscription.CustomerProduct, error)
	ListCustomerProductsBySubscription(ctx context.Context, subscriptionID string) ([]*subscription.CustomerProduct, error)
	ListDueCustomerProducts(ctx context.Context, before time.Time, limit int) ([]*subscription.CustomerProduct, error)
	UpdateCustomerProduct(ctx context.Context, cp *subscription.CustomerProduct) error
	DeleteCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error

	// Entitlement methods
	CreateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error
	GetEntitlement(ctx context.Context, ceID id.CustomerEntitlementID) (*entitlement.CustomerEntitlement, error)
	ListEntitlementsByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) ([]*entitlement.CustomerEntitlement, error)
	ListEntitlements(ctx context.Context, customerID id.CustomerID, featureKey string) ([]*entitlement.CustomerEntitlement, error)
	ListEntitlementsDueForReset(ctx context.Context, before time.Time, limit int) ([]*entitlement.CustomerEntitlement, error)
	UpdateEntitlements(ctx context.Context, ces []*entitlement.CustomerEntitlement) error
	DeleteEntitlementsByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error

	// Usage methods
	RecordUsage(ctx context.Context, e *meter.Event) error
	GetUsageByIdempotencyKey(ctx context.Context, customerID id.CustomerID, key string) (*meter.Event, error)
	QueryUsage(ctx context.Context, customerID id.CustomerID, opts meter.QueryOpts) ([]*meter.Event, error)
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
	// DeleteUsage removes one event and frees its idempotency key.
	DeleteUsage(ctx context.Context, eventID id.UsageEventID) error

	// Invoice methods
	CreateInvoice(ctx context.Context, inv *invoice.Invoice) error
	GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error)
	GetInvoiceByProviderID(ctx context.Context, providerID string) (*invoice.Invoice, error)
	ListInvoices(ctx context.Context, customerID id.CustomerID, opts invoice.ListOpts) ([]*invoice.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error
	MarkInvoicePaid(ctx context.Context, invID id.InvoiceID, paidAt time.Time) error
	MarkInvoiceVoided(ctx context.Context, invID id.InvoiceID, reason string) error

	// Coupon methods
	CreateCoupon(ctx context.Context, c *coupon.Coupon) error
	GetCoupon(ctx context.Context, orgID, env, code string) (*coupon.Coupon, error)
	GetCouponByID(ctx context.Context, couponID id.CouponID) (*coupon.Coupon, error)
	ListCoupons(ctx context.Context, orgID, env string, opts coupon.ListOpts) ([]*coupon.Coupon, error)
	UpdateCoupon(ctx context.Context, c *coupon.Coupon) error
	DeleteCoupon(ctx context.Context, couponID id.CouponID) error

	// Counter methods. Counters expire ttl after their first increment
	// unless reset earlier.
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	ResetCounter(ctx context.Context, key string) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
