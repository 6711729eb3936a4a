// Package coupon models one-time discounts applied to attach invoices.
package coupon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Coupon struct {
	types.Entity
	ID             id.CouponID       `json:"id"`
	Code           string            `json:"code"`
	Name           string            `json:"name"`
	Type           CouponType        `json:"type"`
	Amount         types.Money       `json:"amount,omitempty"`
	Percentage     int               `json:"percentage,omitempty"`
	Currency       string            `json:"currency"`
	MaxRedemptions int               `json:"max_redemptions"`
	TimesRedeemed  int               `json:"times_redeemed"`
	ValidFrom      *time.Time        `json:"valid_from,omitempty"`
	ValidUntil     *time.Time        `json:"valid_until,omitempty"`
	ProviderID     string            `json:"provider_id,omitempty"`
	OrgID          string            `json:"org_id"`
	Env            string            `json:"env"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeAmount     CouponType = "amount"
)

// IsRedeemable reports whether c can be applied at now.
func (c *Coupon) IsRedeemable(now time.Time) bool {
	if c.MaxRedemptions > 0 && c.TimesRedeemed >= c.MaxRedemptions {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
		return false
	}
	return true
}

// Discount returns the positive discount on subtotal, never more than the
// subtotal itself. Amount coupons in another currency do not apply.
func (c *Coupon) Discount(subtotal types.Money) types.Money {
	zero := types.Zero(subtotal.Currency)
	if !subtotal.IsPositive() {
		return zero
	}
	switch c.Type {
	case CouponTypePercentage:
		if c.Percentage <= 0 {
			return zero
		}
		pct := decimal.NewFromInt(int64(min(c.Percentage, 100))).Div(decimal.NewFromInt(100))
		return subtotal.MultiplyDecimal(pct)
	case CouponTypeAmount:
		if c.Amount.Currency != subtotal.Currency || !c.Amount.IsPositive() {
			return zero
		}
		return c.Amount.Min(subtotal)
	default:
		return zero
	}
}
