// Package invoice records the invoices the engine issues through the
// payment provider. Totals are signed: a negative total is a credit.
package invoice

import (
	"time"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusOpen   Status = "open"
	StatusPaid   Status = "paid"
	StatusFailed Status = "failed"
	StatusVoided Status = "voided"
)

// Reason is the operation that produced the invoice.
type Reason string

const (
	ReasonAttach  Reason = "attach"
	ReasonUpdate  Reason = "update"
	ReasonCancel  Reason = "cancel"
	ReasonRenewal Reason = "renewal"
	ReasonTopup   Reason = "topup"
)

type Invoice struct {
	types.Entity
	ID                 id.InvoiceID           `json:"id"`
	CustomerID         id.CustomerID          `json:"customer_id"`
	EntityID           id.EntityID            `json:"entity_id,omitempty"`
	CustomerProductIDs []id.CustomerProductID `json:"customer_product_ids,omitempty"`
	Reason             Reason                 `json:"reason"`
	Status             Status                 `json:"status"`
	Currency           string                 `json:"currency"`
	Subtotal           types.Money            `json:"subtotal"`
	DiscountAmount     types.Money            `json:"discount_amount"`
	Total              types.Money            `json:"total"`
	LineItems          []LineItem             `json:"line_items"`
	CouponID           id.CouponID            `json:"coupon_id,omitempty"`
	PeriodStart        time.Time              `json:"period_start"`
	PeriodEnd          time.Time              `json:"period_end"`
	PaidAt             *time.Time             `json:"paid_at,omitempty"`
	VoidedAt           *time.Time             `json:"voided_at,omitempty"`
	VoidReason         string                 `json:"void_reason,omitempty"`
	SubscriptionID     string                 `json:"subscription_id,omitempty"`
	ProviderID         string                 `json:"provider_id,omitempty"`
	OrgID              string                 `json:"org_id"`
	Env                string                 `json:"env"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
}

type LineItem struct {
	ID                id.LineItemID        `json:"id"`
	InvoiceID         id.InvoiceID         `json:"invoice_id"`
	CustomerProductID id.CustomerProductID `json:"customer_product_id,omitempty"`
	FeatureKey        string               `json:"feature_key,omitempty"`
	Description       string               `json:"description"`
	Quantity          int64                `json:"quantity"`
	Amount            types.Money          `json:"amount"`
	Type              LineItemType         `json:"type"`
	Metadata          map[string]string    `json:"metadata,omitempty"`
}

type LineItemType string

const (
	LineItemBase      LineItemType = "base"
	LineItemProration LineItemType = "proration"
	LineItemPrepaid   LineItemType = "prepaid"
	LineItemOverage   LineItemType = "overage"
	LineItemRefund    LineItemType = "refund"
	LineItemDiscount  LineItemType = "discount"
	LineItemTopup     LineItemType = "topup"
)

// New builds a draft invoice from lines and computes its totals.
func New(currency string, reason Reason, lines []LineItem) *Invoice {
	inv := &Invoice{
		Entity:   types.NewEntity(),
		ID:       id.NewInvoiceID(),
		Reason:   reason,
		Status:   StatusDraft,
		Currency: currency,
	}
	for _, l := range lines {
		inv.AddLine(l)
	}
	return inv
}

// AddLine appends l and recomputes totals.
func (inv *Invoice) AddLine(l LineItem) {
	if l.ID.IsNil() {
		l.ID = id.NewLineItemID()
	}
	l.InvoiceID = inv.ID
	inv.LineItems = append(inv.LineItems, l)
	inv.recompute()
}

// ApplyCoupon adds a discount line for c against the positive subtotal.
// A credit invoice is never discounted.
func (inv *Invoice) ApplyCoupon(c *coupon.Coupon, now time.Time) bool {
	if c == nil || !c.IsRedeemable(now) || !inv.Subtotal.IsPositive() {
		return false
	}
	discount := c.Discount(inv.Subtotal)
	if discount.IsZero() {
		return false
	}
	inv.CouponID = c.ID
	inv.AddLine(LineItem{
		Description: "Discount: " + c.Name,
		Quantity:    1,
		Amount:      discount.Negate(),
		Type:        LineItemDiscount,
	})
	return true
}

func (inv *Invoice) recompute() {
	subtotal := types.Zero(inv.Currency)
	discount := types.Zero(inv.Currency)
	for _, l := range inv.LineItems {
		if l.Type == LineItemDiscount {
			discount = discount.Add(l.Amount.Negate())
			continue
		}
		subtotal = subtotal.Add(l.Amount)
	}
	inv.Subtotal = subtotal
	inv.DiscountAmount = discount
	inv.Total = subtotal.Subtract(discount)
}

// IsCredit reports whether the invoice owes the customer money.
func (inv *Invoice) IsCredit() bool { return inv.Total.IsNegative() }
