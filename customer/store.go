package customer

import (
	"context"

	"github.com/xraph/tally/id"
)

type Store interface {
	Create(ctx context.Context, c *Customer) error
	Get(ctx context.Context, customerID id.CustomerID) (*Customer, error)
	GetByExternalID(ctx context.Context, orgID, env, externalID string) (*Customer, error)
	Update(ctx context.Context, c *Customer) error
	Delete(ctx context.Context, customerID id.CustomerID) error

	CreateEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, entityID id.EntityID) (*Entity, error)
	ListEntities(ctx context.Context, customerID id.CustomerID) ([]*Entity, error)
	DeleteEntity(ctx context.Context, entityID id.EntityID) error
}
