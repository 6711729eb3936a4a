package invoice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/types"
)

func TestNewComputesSignedTotal(t *testing.T) {
	inv := New("usd", ReasonUpdate, []LineItem{
		{Description: "Pro (remaining time)", Amount: types.USD(1500), Type: LineItemProration},
		{Description: "Premium (unused time)", Amount: types.USD(-4000), Type: LineItemRefund},
	})

	assert.Equal(t, types.USD(-2500), inv.Total)
	assert.True(t, inv.IsCredit())
	for _, l := range inv.LineItems {
		assert.Equal(t, inv.ID, l.InvoiceID)
		assert.False(t, l.ID.IsNil())
	}
}

func TestApplyCoupon(t *testing.T) {
	now := time.Now()
	inv := New("usd", ReasonAttach, []LineItem{{Description: "Pro", Amount: types.USD(2000), Type: LineItemBase}})

	applied := inv.ApplyCoupon(&coupon.Coupon{Name: "WELCOME", Type: coupon.CouponTypePercentage, Percentage: 10}, now)
	assert.True(t, applied)
	assert.Equal(t, types.USD(2000), inv.Subtotal)
	assert.Equal(t, types.USD(200), inv.DiscountAmount)
	assert.Equal(t, types.USD(1800), inv.Total)

	credit := New("usd", ReasonUpdate, []LineItem{{Amount: types.USD(-500), Type: LineItemRefund}})
	assert.False(t, credit.ApplyCoupon(&coupon.Coupon{Type: coupon.CouponTypeAmount, Amount: types.USD(100)}, now))
	assert.Equal(t, types.USD(-500), credit.Total)
}
