package invoice

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, invID id.InvoiceID) (*Invoice, error)
	GetByProviderID(ctx context.Context, providerID string) (*Invoice, error)
	ListByCustomer(ctx context.Context, customerID id.CustomerID, opts ListOpts) ([]*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	MarkPaid(ctx context.Context, invID id.InvoiceID, paidAt time.Time) error
	MarkVoided(ctx context.Context, invID id.InvoiceID, reason string) error
}

type ListOpts struct {
	Status Status
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
