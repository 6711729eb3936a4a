// Package schedule realizes the lifecycle of the customer products billed
// on one remote subscription as a provider subscription schedule.
package schedule

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xraph/tally/proration"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
)

// window is the time a customer product is billed on the subscription.
// A zero end means open-ended.
type window struct {
	cp    *subscription.CustomerProduct
	start time.Time
	end   time.Time
}

func (w window) activeAt(t time.Time) bool {
	return !t.Before(w.start) && (w.end.IsZero() || t.Before(w.end))
}

// second truncates to provider resolution so transitions a few
// milliseconds apart collapse into one.
func second(t time.Time) time.Time { return t.Truncate(time.Second) }

func windows(products []*subscription.CustomerProduct, now time.Time) []window {
	var out []window
	for _, cp := range products {
		switch cp.Status {
		case subscription.StatusScheduled, subscription.StatusTrialing,
			subscription.StatusActive, subscription.StatusCanceling:
		default:
			continue
		}
		w := window{cp: cp, start: second(cp.StartsAt)}
		if w.start.Before(second(now)) {
			w.start = second(now)
		}
		if cp.Status == subscription.StatusCanceling && cp.CanceledAt != nil {
			w.end = second(*cp.CanceledAt)
		}
		if !w.end.IsZero() && !w.end.After(w.start) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// BuildPhases returns the desired phase sequence for products sharing one
// subscription: the current phase, one phase per future transition, and an
// empty terminal phase when every product has ended by then. Only the last
// phase is open-ended. It returns nil when nothing is billed.
func BuildPhases(products []*subscription.CustomerProduct, now time.Time) []provider.SchedulePhase {
	ws := windows(products, now)
	if len(ws) == 0 {
		return nil
	}

	points := map[int64]time.Time{second(now).Unix(): second(now)}
	for _, w := range ws {
		if w.start.After(now) {
			points[w.start.Unix()] = w.start
		}
		if !w.end.IsZero() {
			points[w.end.Unix()] = w.end
		}
	}
	starts := lo.Values(points)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	phases := make([]provider.SchedulePhase, 0, len(starts))
	for _, start := range starts {
		phase := provider.SchedulePhase{StartDate: start, Items: []provider.PhaseItem{}}
		for _, w := range ws {
			if !w.activeAt(start) {
				continue
			}
			phase.Items = append(phase.Items, phaseItems(w.cp)...)
			if w.cp.InTrial(start) {
				t := second(*w.cp.TrialEndsAt)
				if phase.TrialEnd == nil || t.After(*phase.TrialEnd) {
					phase.TrialEnd = &t
				}
			}
		}
		phases = append(phases, phase)
	}

	// Leading empty phases (nothing billed yet) are dropped; a schedule
	// always starts with what is billed now.
	for len(phases) > 1 && len(phases[0].Items) == 0 {
		phases = phases[1:]
	}
	if len(phases[0].Items) == 0 {
		return nil
	}

	merged := phases[:1]
	for _, ph := range phases[1:] {
		if samePhaseItems(merged[len(merged)-1].Items, ph.Items) && ph.TrialEnd == nil {
			continue
		}
		merged = append(merged, ph)
	}
	// An empty phase is terminal.
	for i, ph := range merged {
		if len(ph.Items) == 0 {
			merged = merged[:i+1]
			break
		}
	}

	for i := 0; i < len(merged)-1; i++ {
		end := merged[i+1].StartDate
		merged[i].EndDate = &end
	}
	return merged
}

// phaseItems lists the recurring prices of cp. One-off prices never appear
// on a subscription, and consumable overage is invoiced by the engine when
// the period closes.
func phaseItems(cp *subscription.CustomerProduct) []provider.PhaseItem {
	var out []provider.PhaseItem
	for _, price := range cp.Prices {
		if !price.Interval.IsRecurring() || price.Model == proration.ModelConsumable {
			continue
		}
		out = append(out, provider.PhaseItem{
			PriceID:       price.ProviderPriceID,
			Quantity:      quantity(cp, price),
			CorrelationID: price.CorrelationID,
		})
	}
	return out
}

func quantity(cp *subscription.CustomerProduct, price subscription.CustomerPrice) int64 {
	switch price.Model {
	case proration.ModelFlat:
		return max(cp.Quantity, 1)
	case proration.ModelPrepaid:
		item, ok := cp.Item(price.ItemID)
		if !ok || item.Feature == nil {
			return 0
		}
		return proration.Packs(cp.QuantityOf(price.FeatureKey), decimal.Zero, item.Feature.BillingUnits).IntPart()
	case proration.ModelAllocated:
		item, ok := cp.Item(price.ItemID)
		if !ok || item.Feature == nil {
			return 0
		}
		return decimal.Max(decimal.Zero, cp.QuantityOf(price.FeatureKey).Sub(item.Feature.Included)).Ceil().IntPart()
	default:
		return 0
	}
}

// itemKey identifies a phase item: the stored price id, or the correlation
// id for inline prices.
func itemKey(it provider.PhaseItem) string {
	if it.PriceID != "" {
		return "price:" + it.PriceID
	}
	return "corr:" + it.CorrelationID
}

func samePhaseItems(a, b []provider.PhaseItem) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int64, len(a))
	for _, it := range a {
		counts[itemKey(it)] += it.Quantity + 1
	}
	for _, it := range b {
		counts[itemKey(it)] -= it.Quantity + 1
	}
	for _, v := range counts {
		if v != 0 {
			return false
		}
	}
	return true
}
