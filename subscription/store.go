package subscription

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	Create(ctx context.Context, cp *CustomerProduct) error
	Get(ctx context.Context, cpID id.CustomerProductID) (*CustomerProduct, error)
	ListByCustomer(ctx context.Context, customerID id.CustomerID, opts ListOpts) ([]*CustomerProduct, error)
	ListBySubscription(ctx context.Context, subscriptionID string) ([]*CustomerProduct, error)
	// ListDue returns live or scheduled products with a transition at or
	// before the given time: a start, a trial end, a period end or a
	// cancellation.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*CustomerProduct, error)
	Update(ctx context.Context, cp *CustomerProduct) error
	Delete(ctx context.Context, cpID id.CustomerProductID) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}

// NextTransition returns when cp next needs the renewal worker, or the zero
// time when it never does.
func (cp *CustomerProduct) NextTransition() time.Time {
	switch cp.Status {
	case StatusScheduled:
		return cp.StartsAt
	case StatusTrialing:
		if cp.TrialEndsAt != nil {
			return *cp.TrialEndsAt
		}
	case StatusCanceling:
		if cp.CanceledAt != nil {
			return *cp.CanceledAt
		}
	case StatusActive:
		if cp.BillingInterval.IsRecurring() {
			return cp.CurrentPeriodEnd
		}
	}
	return time.Time{}
}

// IsDue reports whether cp has a transition at or before t.
func (cp *CustomerProduct) IsDue(t time.Time) bool {
	next := cp.NextTransition()
	return !next.IsZero() && !next.After(t)
}
