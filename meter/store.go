package meter

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tally/id"
)

var ErrDuplicateEvent = errors.New("meter: duplicate usage event")

type Store interface {
	// Record returns ErrDuplicateEvent when the idempotency key was seen.
	Record(ctx context.Context, e *Event) error
	GetByIdempotencyKey(ctx context.Context, customerID id.CustomerID, key string) (*Event, error)
	Query(ctx context.Context, customerID id.CustomerID, opts QueryOpts) ([]*Event, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type QueryOpts struct {
	FeatureKey string
	EntityID   id.EntityID
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}
