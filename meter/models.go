package meter

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
)

// Event is a recorded usage event. Value is in feature units and is
// negative for a refund.
type Event struct {
	ID             id.UsageEventID   `json:"id"`
	OrgID          string            `json:"org_id"`
	Env            string            `json:"env"`
	CustomerID     id.CustomerID     `json:"customer_id"`
	EntityID       id.EntityID       `json:"entity_id,omitempty"`
	FeatureKey     string            `json:"feature_key"`
	Value          decimal.Decimal   `json:"value"`
	Properties     map[string]any    `json:"properties,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
