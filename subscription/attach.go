package subscription

import (
	"errors"
	"time"

	"github.com/xraph/tally/product"
)

// AttachKind is what attaching a product to a scope amounts to.
type AttachKind string

const (
	AttachNew       AttachKind = "new"
	AttachAddOn     AttachKind = "add_on"
	AttachUpgrade   AttachKind = "upgrade"
	AttachDowngrade AttachKind = "downgrade"
	// AttachRestore re-attaches the current product: a pending downgrade
	// is dropped and a cancellation is reverted.
	AttachRestore AttachKind = "restore"
)

var ErrAlreadyAttached = errors.New("subscription: product already attached")

// AttachPlan is the decision for one attach request.
type AttachPlan struct {
	Kind AttachKind
	// Current is the live product in the target's group.
	Current *CustomerProduct
	// Scheduled is a pending downgrade in the group that the attach drops
	// or replaces.
	Scheduled *CustomerProduct
	// StartsAt is when the new product becomes live; the current term end
	// for a downgrade.
	StartsAt time.Time
	// TrialEndsAt is the trial the new product starts with. A downgrade
	// inherits the current product's trial and ignores its own.
	TrialEndsAt *time.Time
}

// PlanAttach decides how target attaches given the scope's existing
// products. existing must already be filtered to the scope.
func PlanAttach(existing []*CustomerProduct, target *product.Product, now time.Time) (AttachPlan, error) {
	if target.IsAddOn {
		return AttachPlan{Kind: AttachAddOn, StartsAt: now, TrialEndsAt: trialFor(target, now)}, nil
	}

	var current, scheduled *CustomerProduct
	for _, cp := range existing {
		if cp.IsAddOn || cp.Group != target.Group {
			continue
		}
		switch {
		case cp.Status == StatusScheduled:
			scheduled = cp
		case cp.Status.IsRelevant():
			current = cp
		}
	}

	if current == nil {
		return AttachPlan{Kind: AttachNew, Scheduled: scheduled, StartsAt: now, TrialEndsAt: trialFor(target, now)}, nil
	}

	if current.ProductID == target.ID {
		if scheduled == nil && current.Status != StatusCanceling {
			return AttachPlan{}, ErrAlreadyAttached
		}
		return AttachPlan{Kind: AttachRestore, Current: current, Scheduled: scheduled, StartsAt: now}, nil
	}

	if product.IsUpgrade(current.Snapshot(), target) {
		return AttachPlan{Kind: AttachUpgrade, Current: current, Scheduled: scheduled, StartsAt: now, TrialEndsAt: trialFor(target, now)}, nil
	}

	plan := AttachPlan{Kind: AttachDowngrade, Current: current, Scheduled: scheduled, StartsAt: current.TermEnd()}
	if current.InTrial(now) {
		t := *current.TrialEndsAt
		plan.TrialEndsAt = &t
	}
	return plan, nil
}

func trialFor(p *product.Product, now time.Time) *time.Time {
	if p.FreeTrial == nil {
		return nil
	}
	t := p.FreeTrial.EndsAt(now)
	return &t
}
