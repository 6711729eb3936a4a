// Package feature defines the gated capabilities that products grant and
// usage events consume.
package feature

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Type is the kind of feature.
type Type string

const (
	TypeBoolean      Type = "boolean"
	TypeMetered      Type = "metered"
	TypeCreditSystem Type = "credit_system"
)

// UsageType distinguishes usage that is consumed once (API calls) from usage
// that persists while held (seats).
type UsageType string

const (
	UsageSingle     UsageType = "single_use"
	UsageContinuous UsageType = "continuous_use"
)

// AggregationKind selects how a usage event is turned into a quantity.
type AggregationKind string

const (
	AggregateCount AggregationKind = "count"
	AggregateSum   AggregationKind = "sum"
)

// Aggregation describes how raw usage events are aggregated.
type Aggregation struct {
	Kind     AggregationKind `json:"kind"`
	Property string          `json:"property,omitempty"`
}

// CreditCost maps one metered feature onto a credit system.
type CreditCost struct {
	MeteredFeatureKey string          `json:"metered_feature_key"`
	CreditCost        decimal.Decimal `json:"credit_cost"`
}

// Feature is immutable once created for an org/env.
type Feature struct {
	types.Entity
	ID           id.FeatureID      `json:"id"`
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	Type         Type              `json:"type"`
	UsageType    UsageType         `json:"usage_type,omitempty"`
	Aggregation  *Aggregation      `json:"aggregation,omitempty"`
	CreditSchema []CreditCost      `json:"credit_schema,omitempty"`
	OrgID        string            `json:"org_id"`
	Env          string            `json:"env"`
	Archived     bool              `json:"archived"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsContinuous reports whether usage of f persists while held.
func (f *Feature) IsContinuous() bool {
	return f.Type == TypeMetered && f.UsageType == UsageContinuous
}

// CreditCostFor returns how many credits one unit of the metered feature
// costs in this credit system.
func (f *Feature) CreditCostFor(meteredKey string) (decimal.Decimal, bool) {
	if f.Type != TypeCreditSystem {
		return decimal.Zero, false
	}
	for _, c := range f.CreditSchema {
		if c.MeteredFeatureKey == meteredKey {
			return c.CreditCost, true
		}
	}
	return decimal.Zero, false
}

// Value returns the quantity a usage event contributes. Count aggregation
// ignores the event value; sum reads the configured property when present
// and falls back to the explicit value.
func (a *Aggregation) Value(explicit decimal.Decimal, properties map[string]any) (decimal.Decimal, error) {
	if a == nil {
		return explicit, nil
	}
	switch a.Kind {
	case AggregateCount:
		return decimal.NewFromInt(1), nil
	case AggregateSum:
		if a.Property == "" {
			return explicit, nil
		}
		raw, ok := properties[a.Property]
		if !ok {
			return explicit, nil
		}
		return toDecimal(raw)
	default:
		return decimal.Zero, fmt.Errorf("feature: unknown aggregation %q", a.Kind)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("feature: property of type %T is not numeric", v)
	}
}

// Validate checks the feature definition.
func (f *Feature) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("feature: key is required")
	}
	switch f.Type {
	case TypeBoolean:
		if f.Aggregation != nil || len(f.CreditSchema) > 0 {
			return fmt.Errorf("feature %q: boolean features take no aggregation or credit schema", f.Key)
		}
	case TypeMetered:
		if len(f.CreditSchema) > 0 {
			return fmt.Errorf("feature %q: metered features take no credit schema", f.Key)
		}
	case TypeCreditSystem:
		if len(f.CreditSchema) == 0 {
			return fmt.Errorf("feature %q: credit system needs at least one credit cost", f.Key)
		}
		for _, c := range f.CreditSchema {
			if c.MeteredFeatureKey == "" || !c.CreditCost.IsPositive() {
				return fmt.Errorf("feature %q: invalid credit cost for %q", f.Key, c.MeteredFeatureKey)
			}
		}
	default:
		return fmt.Errorf("feature %q: unknown type %q", f.Key, f.Type)
	}
	return nil
}

// Related returns the keys of features whose balances a usage event for key
// draws from: key itself first, then every credit system that prices it.
func Related(key string, all []*Feature) []*Feature {
	var out []*Feature
	for _, f := range all {
		if f.Key == key {
			out = append(out, f)
		}
	}
	for _, f := range all {
		if _, ok := f.CreditCostFor(key); ok {
			out = append(out, f)
		}
	}
	return out
}
