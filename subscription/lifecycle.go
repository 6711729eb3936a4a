package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
)

type Trigger string

const (
	TriggerActivate   Trigger = "activate"
	TriggerStartTrial Trigger = "start_trial"
	TriggerEndTrial   Trigger = "end_trial"
	TriggerCancel     Trigger = "cancel"
	TriggerUncancel   Trigger = "uncancel"
	TriggerRenew      Trigger = "renew"
	TriggerRemove     Trigger = "remove"
)

var ErrInvalidTransition = errors.New("subscription: invalid transition")

// Transition fires trigger on cp at now. Cancel takes the effective end
// time as its argument; a zero time cancels at TermEnd.
func Transition(ctx context.Context, cp *CustomerProduct, trigger Trigger, now time.Time, args ...any) error {
	machine := newMachine(cp, now)
	if err := machine.FireCtx(ctx, trigger, args...); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, trigger, cp.Status, err)
	}
	cp.Status = machine.MustState().(Status)
	return nil
}

// CanFire reports whether trigger is valid from cp's current status.
func CanFire(ctx context.Context, cp *CustomerProduct, trigger Trigger, now time.Time) bool {
	ok, err := newMachine(cp, now).CanFireCtx(ctx, trigger)
	return err == nil && ok
}

func newMachine(cp *CustomerProduct, now time.Time) *stateless.StateMachine {
	trialRemains := func(_ context.Context, _ ...any) bool {
		return cp.TrialEndsAt != nil && now.Before(*cp.TrialEndsAt)
	}
	noTrial := func(ctx context.Context, args ...any) bool { return !trialRemains(ctx, args...) }

	machine := stateless.NewStateMachine(cp.Status)

	machine.Configure(StatusScheduled).
		Permit(TriggerActivate, StatusActive).
		Permit(TriggerStartTrial, StatusTrialing).
		Permit(TriggerRemove, StatusExpired)

	machine.Configure(StatusTrialing).
		OnEntryFrom(TriggerStartTrial, func(_ context.Context, _ ...any) error {
			cp.StartsAt = now
			return nil
		}).
		OnEntryFrom(TriggerUncancel, clearCancel(cp)).
		Permit(TriggerEndTrial, StatusActive).
		Permit(TriggerCancel, StatusCanceling).
		Permit(TriggerRemove, StatusExpired).
		PermitReentry(TriggerRenew)

	machine.Configure(StatusActive).
		OnEntryFrom(TriggerActivate, func(_ context.Context, _ ...any) error {
			cp.StartsAt = now
			return nil
		}).
		OnEntryFrom(TriggerEndTrial, func(_ context.Context, _ ...any) error {
			cp.TrialEndsAt = nil
			return nil
		}).
		OnEntryFrom(TriggerUncancel, clearCancel(cp)).
		OnEntryFrom(TriggerRenew, func(_ context.Context, _ ...any) error {
			advancePeriod(cp)
			return nil
		}).
		Permit(TriggerCancel, StatusCanceling).
		Permit(TriggerRemove, StatusExpired).
		PermitReentry(TriggerRenew)

	machine.Configure(StatusCanceling).
		OnEntryFrom(TriggerCancel, func(_ context.Context, args ...any) error {
			end := cp.TermEnd()
			if len(args) > 0 {
				if t, ok := args[0].(time.Time); ok && !t.IsZero() {
					end = t
				}
			}
			cp.CanceledAt = &end
			return nil
		}).
		Permit(TriggerUncancel, StatusTrialing, trialRemains).
		Permit(TriggerUncancel, StatusActive, noTrial).
		Permit(TriggerRemove, StatusExpired)

	machine.Configure(StatusExpired).
		OnEntry(func(_ context.Context, _ ...any) error {
			cp.EndedAt = &now
			return nil
		})

	return machine
}

func clearCancel(cp *CustomerProduct) func(context.Context, ...any) error {
	return func(_ context.Context, _ ...any) error {
		cp.CanceledAt = nil
		return nil
	}
}

func advancePeriod(cp *CustomerProduct) {
	if !cp.BillingInterval.IsRecurring() || cp.CurrentPeriodEnd.IsZero() {
		return
	}
	cp.CurrentPeriodStart = cp.CurrentPeriodEnd
	cp.CurrentPeriodEnd = cp.BillingInterval.Add(cp.CurrentPeriodStart, 1)
}
