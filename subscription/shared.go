package subscription

import "time"

// SharedView is the state of one remote subscription derived from every
// customer product billed on it. It is computed on read, never stored.
type SharedView struct {
	SubscriptionID string     `json:"subscription_id"`
	Trialing       bool       `json:"trialing"`
	Canceled       bool       `json:"canceled"`
	CancelAt       *time.Time `json:"cancel_at,omitempty"`
	TrialEnd       *time.Time `json:"trial_end,omitempty"`
	Members        int        `json:"members"`
}

// Shared derives the view over products linked to subscriptionID at now.
// The subscription is trialing if any member's trial is still running,
// and canceled only once every member is canceling; CancelAt is then the
// latest member end.
func Shared(subscriptionID string, products []*CustomerProduct, now time.Time) SharedView {
	view := SharedView{SubscriptionID: subscriptionID}
	allCanceling := true
	for _, cp := range products {
		if !cp.HasSubscription(subscriptionID) || !cp.Status.IsRelevant() {
			continue
		}
		view.Members++
		if cp.InTrial(now) {
			view.Trialing = true
			if view.TrialEnd == nil || cp.TrialEndsAt.After(*view.TrialEnd) {
				t := *cp.TrialEndsAt
				view.TrialEnd = &t
			}
		}
		if cp.Status != StatusCanceling {
			allCanceling = false
			continue
		}
		if cp.CanceledAt != nil && (view.CancelAt == nil || cp.CanceledAt.After(*view.CancelAt)) {
			t := *cp.CanceledAt
			view.CancelAt = &t
		}
	}
	view.Canceled = view.Members > 0 && allCanceling
	if !view.Canceled {
		view.CancelAt = nil
	}
	return view
}
