// Package meter plans how usage is drawn from a customer's entitlements and
// records usage events.
package meter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/entitlement"
)

// OverageBehavior decides what happens when positive balances run out on
// entitlements that do not themselves permit overage.
type OverageBehavior int

const (
	// OverageReject fails with ErrInsufficientBalance.
	OverageReject OverageBehavior = iota
	// OverageAllow spills onto the last slot.
	OverageAllow
)

// Slot is one entitlement in consumption priority. Cost is how many balance
// units one unit of usage takes; zero means one.
type Slot struct {
	Entitlement *entitlement.CustomerEntitlement
	Cost        decimal.Decimal
}

func (s Slot) cost() decimal.Decimal {
	if s.Cost.IsPositive() {
		return s.Cost
	}
	return decimal.NewFromInt(1)
}

// Step deducts Amount balance units from Slots[Index]. Negative refunds.
type Step struct {
	Index   int             `json:"index"`
	Amount  decimal.Decimal `json:"amount"`
	Overage bool            `json:"overage"`
}

type Plan struct {
	Steps     []Step `json:"steps"`
	Unlimited bool   `json:"unlimited"`
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool { return len(p.Steps) == 0 }

// PlanDeduction computes how amount is drawn from slots without touching
// them. Pass one drains positive balances in order. Pass two spills the
// rest onto the last slot that may go negative, down to its MinBalance.
// A negative amount refunds in reverse order.
func PlanDeduction(slots []Slot, amount decimal.Decimal, behavior OverageBehavior) (Plan, error) {
	if len(slots) == 0 {
		return Plan{}, entitlement.ErrNoEntitlement
	}
	for _, s := range slots {
		if s.Entitlement.Unlimited {
			return Plan{Unlimited: true}, nil
		}
	}
	switch amount.Sign() {
	case 0:
		return Plan{}, nil
	case -1:
		return planRefund(slots, amount.Neg()), nil
	}

	deduct := make([]decimal.Decimal, len(slots))
	remaining := amount
	for i, s := range slots {
		if !remaining.IsPositive() {
			break
		}
		bal := s.Entitlement.Balance
		if !bal.IsPositive() {
			continue
		}
		need := remaining.Mul(s.cost())
		if bal.GreaterThanOrEqual(need) {
			deduct[i] = need
			remaining = decimal.Zero
			break
		}
		deduct[i] = bal
		remaining = remaining.Sub(bal.Div(s.cost()))
	}

	plan := Plan{}
	overageIdx := -1
	if remaining.IsPositive() {
		for i := len(slots) - 1; i >= 0; i-- {
			if slots[i].Entitlement.UsageAllowed || behavior == OverageAllow {
				overageIdx = i
				break
			}
		}
		if overageIdx < 0 {
			return Plan{}, fmt.Errorf("%w: %s short by %s", entitlement.ErrInsufficientBalance, slots[0].Entitlement.FeatureKey, remaining)
		}
		s := slots[overageIdx]
		need := remaining.Mul(s.cost())
		if floor := s.Entitlement.MinBalance; floor != nil {
			after := s.Entitlement.Balance.Sub(deduct[overageIdx]).Sub(need)
			if after.LessThan(*floor) {
				return Plan{}, fmt.Errorf("%w: %s would pass its usage limit", entitlement.ErrInsufficientBalance, s.Entitlement.FeatureKey)
			}
		}
		deduct[overageIdx] = deduct[overageIdx].Add(need)
	}

	for i, amt := range deduct {
		if amt.IsZero() {
			continue
		}
		plan.Steps = append(plan.Steps, Step{Index: i, Amount: amt, Overage: i == overageIdx})
	}
	return plan, nil
}

func planRefund(slots []Slot, refund decimal.Decimal) Plan {
	plan := Plan{}
	remaining := refund
	for i := len(slots) - 1; i >= 0 && remaining.IsPositive(); i-- {
		s := slots[i]
		used := s.Entitlement.Usage()
		if !used.IsPositive() {
			continue
		}
		give := decimal.Min(used, remaining.Mul(s.cost()))
		plan.Steps = append(plan.Steps, Step{Index: i, Amount: give.Neg()})
		remaining = remaining.Sub(give.Div(s.cost()))
	}
	if remaining.IsPositive() {
		// Nothing left to restore: credit the first slot past its allowance.
		plan.Steps = append(plan.Steps, Step{Index: 0, Amount: remaining.Mul(slots[0].cost()).Neg()})
	}
	return plan
}

// Apply executes plan against slots. The entitlements are mutated in place;
// callers persist them only when Apply succeeds.
func Apply(slots []Slot, plan Plan) error {
	for _, st := range plan.Steps {
		if err := entitlement.ApplyUsage(slots[st.Index].Entitlement, st.Amount, st.Overage); err != nil {
			return err
		}
	}
	return nil
}

// Touched returns the entitlements plan modifies, without duplicates.
func Touched(slots []Slot, plan Plan) []*entitlement.CustomerEntitlement {
	seen := make(map[int]bool, len(plan.Steps))
	var out []*entitlement.CustomerEntitlement
	for _, st := range plan.Steps {
		if seen[st.Index] {
			continue
		}
		seen[st.Index] = true
		out = append(out, slots[st.Index].Entitlement)
	}
	return out
}
