package product

import (
	"context"

	"github.com/xraph/tally/id"
)

type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, productID id.ProductID) (*Product, error)
	GetByKey(ctx context.Context, orgID, env, key string) (*Product, error)
	List(ctx context.Context, orgID, env string, opts ListOpts) ([]*Product, error)
	Update(ctx context.Context, p *Product) error
	Archive(ctx context.Context, productID id.ProductID) error
}

type ListOpts struct {
	Group  string
	Status Status
	Limit  int
	Offset int
}
