package coupon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tally/types"
)

func TestDiscount(t *testing.T) {
	tests := []struct {
		name     string
		coupon   Coupon
		subtotal types.Money
		want     types.Money
	}{
		{"percentage", Coupon{Type: CouponTypePercentage, Percentage: 25}, types.USD(2000), types.USD(500)},
		{"percentage capped", Coupon{Type: CouponTypePercentage, Percentage: 150}, types.USD(2000), types.USD(2000)},
		{"amount", Coupon{Type: CouponTypeAmount, Amount: types.USD(500)}, types.USD(2000), types.USD(500)},
		{"amount capped at subtotal", Coupon{Type: CouponTypeAmount, Amount: types.USD(5000)}, types.USD(2000), types.USD(2000)},
		{"amount other currency", Coupon{Type: CouponTypeAmount, Amount: types.EUR(500)}, types.USD(2000), types.USD(0)},
		{"credit subtotal", Coupon{Type: CouponTypePercentage, Percentage: 50}, types.USD(-1000), types.USD(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.coupon.Discount(tt.subtotal))
		})
	}
}

func TestIsRedeemable(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Coupon{}).IsRedeemable(now))
	assert.False(t, (&Coupon{MaxRedemptions: 1, TimesRedeemed: 1}).IsRedeemable(now))
	assert.False(t, (&Coupon{ValidFrom: &future}).IsRedeemable(now))
	assert.False(t, (&Coupon{ValidUntil: &past}).IsRedeemable(now))
	assert.True(t, (&Coupon{ValidFrom: &past, ValidUntil: &future}).IsRedeemable(now))
}
