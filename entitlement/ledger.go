package entitlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyUsage subtracts delta from the balance. A negative delta refunds.
// Going below zero requires UsageAllowed or allowOverage; going below
// MinBalance is always rejected. On error the entitlement is unchanged.
func ApplyUsage(ce *CustomerEntitlement, delta decimal.Decimal, allowOverage bool) error {
	if ce.Unlimited || delta.IsZero() {
		return nil
	}
	next := ce.Balance.Sub(delta)
	if delta.IsPositive() {
		if next.IsNegative() && !ce.UsageAllowed && !allowOverage {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, ce.FeatureKey, ce.Balance, delta)
		}
		if ce.MinBalance != nil && next.LessThan(*ce.MinBalance) {
			return fmt.Errorf("%w: %s would pass its usage limit", ErrInsufficientBalance, ce.FeatureKey)
		}
	}
	ce.Balance = next
	return nil
}

// SetBalance overrides the balance. Granted and Purchased never change, so
// the override is a usage adjustment, not a re-grant.
func SetBalance(ce *CustomerEntitlement, target decimal.Decimal) {
	if ce.Unlimited {
		return
	}
	ce.Balance = target
}

// Credit adds purchased balance, as a top-up does.
func Credit(ce *CustomerEntitlement, qty decimal.Decimal) {
	ce.Purchased = ce.Purchased.Add(qty)
	ce.Balance = ce.Balance.Add(qty)
}

// SetPurchased changes the purchased quantity and moves the balance by the
// same amount, preserving usage.
func SetPurchased(ce *CustomerEntitlement, qty decimal.Decimal) {
	ce.Balance = ce.Balance.Add(qty.Sub(ce.Purchased))
	ce.Purchased = qty
}

// DueForReset reports whether the entitlement's reset time has passed.
func DueForReset(ce *CustomerEntitlement, now time.Time) bool {
	return ce.ResetInterval.IsRecurring() && ce.NextResetAt != nil && !now.Before(*ce.NextResetAt)
}

// ResetForNewCycle restores Balance to Allowance and advances NextResetAt
// past now. Entitlements that never reset are left untouched.
func ResetForNewCycle(ce *CustomerEntitlement, now time.Time) {
	if !ce.ResetInterval.IsRecurring() {
		return
	}
	ce.Balance = ce.Allowance()
	next := now
	if ce.NextResetAt != nil {
		next = *ce.NextResetAt
	}
	for !next.After(now) {
		next = ce.ResetInterval.Add(next, 1)
	}
	ce.NextResetAt = &next
}

// CarryUsage moves usage from a replaced entitlement onto its successor,
// so a continuous feature such as seats keeps what is in use.
func CarryUsage(from, to *CustomerEntitlement) {
	if from.Unlimited || to.Unlimited {
		return
	}
	to.Balance = to.Allowance().Sub(from.Usage())
}
