package feature

import (
	"context"

	"github.com/xraph/tally/id"
)

type Store interface {
	Create(ctx context.Context, f *Feature) error
	Get(ctx context.Context, orgID, env, key string) (*Feature, error)
	GetByID(ctx context.Context, featureID id.FeatureID) (*Feature, error)
	List(ctx context.Context, orgID, env string) ([]*Feature, error)
	Archive(ctx context.Context, featureID id.FeatureID) error
}
