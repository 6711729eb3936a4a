package schedule

import (
	"time"

	"github.com/xraph/tally/provider"
)

// ActionKind is the remote change needed to realize a phase sequence.
type ActionKind string

const (
	ActionNone     ActionKind = "none"
	ActionRelease  ActionKind = "release"
	ActionCancelAt ActionKind = "cancel_at"
	ActionCreate   ActionKind = "create"
	ActionUpdate   ActionKind = "update"
)

// Action is the outcome of comparing desired phases with the live schedule.
type Action struct {
	Kind        ActionKind               `json:"kind"`
	ScheduleID  string                   `json:"schedule_id,omitempty"`
	Phases      []provider.SchedulePhase `json:"phases,omitempty"`
	EndBehavior provider.EndBehavior     `json:"end_behavior,omitempty"`
	// CancelAt is set for a plain end-of-cycle cancel, which needs no
	// schedule.
	CancelAt *time.Time `json:"cancel_at,omitempty"`
	// ReleaseExisting releases the live schedule before applying CancelAt.
	ReleaseExisting bool `json:"release_existing,omitempty"`
}

// BuildAction decides how to move live towards phases. live may be nil.
//
//   - nothing billed: release a live schedule, otherwise nothing
//   - one open-ended phase: no schedule is needed; release a live one
//   - one phase then an empty one: cancel_at on the subscription
//   - anything else: create or update a schedule; it cancels at the end
//     when the last phase is empty, otherwise it releases
func BuildAction(phases []provider.SchedulePhase, live *provider.Schedule) Action {
	active := live != nil && live.Status == provider.ScheduleActive

	switch {
	case len(phases) == 0, len(phases) == 1:
		if active {
			return Action{Kind: ActionRelease, ScheduleID: live.ID}
		}
		return Action{Kind: ActionNone}

	case len(phases) == 2 && len(phases[1].Items) == 0:
		at := phases[1].StartDate
		a := Action{Kind: ActionCancelAt, CancelAt: &at}
		if active {
			a.ReleaseExisting = true
			a.ScheduleID = live.ID
		}
		return a
	}

	desired := append([]provider.SchedulePhase(nil), phases...)
	end := provider.EndRelease
	if last := desired[len(desired)-1]; len(last.Items) == 0 {
		end = provider.EndCancel
		desired = desired[:len(desired)-1]
	}

	if !active {
		return Action{Kind: ActionCreate, Phases: desired, EndBehavior: end}
	}

	// The live current phase keeps its start date; providers reject edits
	// to the start of a phase that has begun.
	if cur, ok := currentPhase(live, desired[0].StartDate); ok {
		desired[0].StartDate = cur.StartDate
	}
	if live.EndBehavior == end && phasesMatch(desired, live.Phases) {
		return Action{Kind: ActionNone, ScheduleID: live.ID}
	}
	return Action{Kind: ActionUpdate, ScheduleID: live.ID, Phases: desired, EndBehavior: end}
}

func currentPhase(live *provider.Schedule, now time.Time) (provider.SchedulePhase, bool) {
	for _, ph := range live.Phases {
		if ph.StartDate.After(now) {
			continue
		}
		if ph.EndDate == nil || now.Before(*ph.EndDate) {
			return ph, true
		}
	}
	return provider.SchedulePhase{}, false
}

// phasesMatch pairs phases by start time and compares their items by key,
// never by position.
func phasesMatch(desired, live []provider.SchedulePhase) bool {
	byStart := make(map[int64]provider.SchedulePhase, len(live))
	for _, ph := range live {
		byStart[second(ph.StartDate).Unix()] = ph
	}
	matched := 0
	for _, want := range desired {
		got, ok := byStart[second(want.StartDate).Unix()]
		if !ok || !samePhaseItems(want.Items, got.Items) || !sameTime(want.EndDate, got.EndDate) {
			return false
		}
		matched++
	}
	// Phases that already ended are kept by the provider and ignored here.
	future := 0
	for _, ph := range live {
		if ph.EndDate == nil || ph.EndDate.After(desired[0].StartDate) {
			future++
		}
	}
	return matched == future
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return second(*a).Equal(second(*b))
}
