package entitlement

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	Create(ctx context.Context, ces []*CustomerEntitlement) error
	Get(ctx context.Context, ceID id.CustomerEntitlementID) (*CustomerEntitlement, error)
	ListByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) ([]*CustomerEntitlement, error)
	// ListByCustomer returns every entitlement of the customer and its
	// entities; an empty featureKey returns all features.
	ListByCustomer(ctx context.Context, customerID id.CustomerID, featureKey string) ([]*CustomerEntitlement, error)
	// ListDueForReset returns entitlements whose NextResetAt is at or
	// before the given time.
	ListDueForReset(ctx context.Context, before time.Time, limit int) ([]*CustomerEntitlement, error)
	Update(ctx context.Context, ces []*CustomerEntitlement) error
	DeleteByCustomerProduct(ctx context.Context, cpID id.CustomerProductID) error
}
