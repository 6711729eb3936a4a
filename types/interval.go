package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a billing or reset cadence. The zero value means the item is
// one-off (billing) or never resets (allowance).
type Interval string

const (
	IntervalNone       Interval = ""
	IntervalDay        Interval = "day"
	IntervalWeek       Interval = "week"
	IntervalMonth      Interval = "month"
	IntervalQuarter    Interval = "quarter"
	IntervalSemiAnnual Interval = "semi_annual"
	IntervalYear       Interval = "year"
)

// IsRecurring reports whether the interval repeats.
func (i Interval) IsRecurring() bool { return i != IntervalNone }

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalNone, IntervalDay, IntervalWeek, IntervalMonth,
		IntervalQuarter, IntervalSemiAnnual, IntervalYear:
		return true
	}
	return false
}

// Add advances t by count intervals. Month-based intervals clamp to the
// last day of the target month, so Jan 31 + 1 month is Feb 28/29.
// IntervalNone returns t unchanged.
func (i Interval) Add(t time.Time, count int) time.Time {
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, count)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return addMonths(t, count)
	case IntervalQuarter:
		return addMonths(t, 3*count)
	case IntervalSemiAnnual:
		return addMonths(t, 6*count)
	case IntervalYear:
		return addMonths(t, 12*count)
	default:
		return t
	}
}

// Monthly normalizes an amount charged once per interval to a 30-day month.
// It is used to compare recurring prices across intervals.
func (i Interval) Monthly(amount decimal.Decimal) decimal.Decimal {
	switch i {
	case IntervalDay:
		return amount.Mul(decimal.NewFromInt(30))
	case IntervalWeek:
		return amount.Mul(decimal.NewFromInt(30)).Div(decimal.NewFromInt(7))
	case IntervalMonth:
		return amount
	case IntervalQuarter:
		return amount.Div(decimal.NewFromInt(3))
	case IntervalSemiAnnual:
		return amount.Div(decimal.NewFromInt(6))
	case IntervalYear:
		return amount.Div(decimal.NewFromInt(12))
	default:
		return amount
	}
}

// TTL returns the duration of one interval starting at from. It is used for
// rolling counters keyed by interval.
func (i Interval) TTL(from time.Time) time.Duration {
	if !i.IsRecurring() {
		return 0
	}
	return i.Add(from, 1).Sub(from)
}

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PeriodAt returns the period of the given interval, anchored at anchor,
// that contains now. Periods before the anchor resolve to the first period.
func PeriodAt(anchor time.Time, interval Interval, now time.Time) (Period, error) {
	if !interval.IsRecurring() {
		return Period{}, fmt.Errorf("types: interval %q does not define a period", interval)
	}
	start := anchor
	for n := 1; ; n++ {
		end := interval.Add(anchor, n)
		if now.Before(end) {
			return Period{Start: start, End: end}, nil
		}
		start = end
	}
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// RemainingFraction returns the share of the period left after now, clamped
// to [0, 1].
func (p Period) RemainingFraction(now time.Time) decimal.Decimal {
	total := p.End.Sub(p.Start)
	if total <= 0 || !now.Before(p.End) {
		return decimal.Zero
	}
	if !now.After(p.Start) {
		return decimal.NewFromInt(1)
	}
	remaining := p.End.Sub(now)
	return decimal.NewFromInt(remaining.Milliseconds()).Div(decimal.NewFromInt(total.Milliseconds()))
}
