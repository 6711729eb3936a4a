// Package customer defines customers, their entities and per-feature
// auto top-up settings.
package customer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Customer struct {
	types.Entity
	ID         id.CustomerID     `json:"id"`
	ExternalID string            `json:"external_id"`
	Name       string            `json:"name"`
	Email      string            `json:"email,omitempty"`
	OrgID      string            `json:"org_id"`
	Env        string            `json:"env"`
	ProviderID string            `json:"provider_id,omitempty"`
	AutoTopups []AutoTopupConfig `json:"auto_topups,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Entity is a sub-customer with its own product set and balances.
type Entity struct {
	types.Entity
	ID         id.EntityID       `json:"id"`
	CustomerID id.CustomerID     `json:"customer_id"`
	ExternalID string            `json:"external_id"`
	Name       string            `json:"name"`
	FeatureKey string            `json:"feature_key,omitempty"`
	Deleted    bool              `json:"deleted"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MaxPurchases is a rolling purchase limit.
type MaxPurchases struct {
	Interval types.Interval `json:"interval"`
	Limit    int64          `json:"limit"`
}

// AutoTopupConfig is keyed by (customer, feature).
type AutoTopupConfig struct {
	FeatureKey   string          `json:"feature_key"`
	Enabled      bool            `json:"enabled"`
	Threshold    decimal.Decimal `json:"threshold"`
	Quantity     decimal.Decimal `json:"quantity"`
	MaxPurchases *MaxPurchases   `json:"max_purchases,omitempty"`
}

var ErrInvalidAutoTopup = errors.New("customer: invalid auto top-up config")

func (c AutoTopupConfig) Validate() error {
	if c.FeatureKey == "" {
		return fmt.Errorf("%w: feature key is required", ErrInvalidAutoTopup)
	}
	if c.Threshold.IsNegative() {
		return fmt.Errorf("%w: negative threshold", ErrInvalidAutoTopup)
	}
	if !c.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidAutoTopup)
	}
	if m := c.MaxPurchases; m != nil {
		if !m.Interval.IsRecurring() || !m.Interval.Valid() || m.Limit <= 0 {
			return fmt.Errorf("%w: max purchases needs an interval and a positive limit", ErrInvalidAutoTopup)
		}
	}
	return nil
}

// AutoTopup returns the config for featureKey.
func (c *Customer) AutoTopup(featureKey string) (AutoTopupConfig, bool) {
	for _, cfg := range c.AutoTopups {
		if cfg.FeatureKey == featureKey {
			return cfg, true
		}
	}
	return AutoTopupConfig{}, false
}

// SetAutoTopup inserts or replaces the config for cfg.FeatureKey.
func (c *Customer) SetAutoTopup(cfg AutoTopupConfig) {
	for i := range c.AutoTopups {
		if c.AutoTopups[i].FeatureKey == cfg.FeatureKey {
			c.AutoTopups[i] = cfg
			return
		}
	}
	c.AutoTopups = append(c.AutoTopups, cfg)
}

// Scope addresses a customer or one of its entities within an org/env.
type Scope struct {
	OrgID      string        `json:"org_id"`
	Env        string        `json:"env"`
	CustomerID id.CustomerID `json:"customer_id"`
	EntityID   id.EntityID   `json:"entity_id,omitempty"`
}

// IsEntity reports whether the scope is entity-level.
func (s Scope) IsEntity() bool { return !s.EntityID.IsNil() }

// Key is a stable string form used for locks and cache keys.
func (s Scope) Key() string {
	if s.IsEntity() {
		return fmt.Sprintf("%s:%s:%s:%s", s.OrgID, s.Env, s.CustomerID, s.EntityID)
	}
	return fmt.Sprintf("%s:%s:%s", s.OrgID, s.Env, s.CustomerID)
}

// FeatureKey is the balance lock key for a feature in this scope.
func (s Scope) FeatureKey(featureKey string) string {
	return s.Key() + ":" + featureKey
}
