package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestIntervalAdd(t *testing.T) {
	jan31 := time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		interval Interval
		count    int
		want     time.Time
	}{
		{"day", IntervalDay, 1, time.Date(2025, time.February, 1, 12, 0, 0, 0, time.UTC)},
		{"week", IntervalWeek, 2, time.Date(2025, time.February, 14, 12, 0, 0, 0, time.UTC)},
		{"month clamps", IntervalMonth, 1, time.Date(2025, time.February, 28, 12, 0, 0, 0, time.UTC)},
		{"two months", IntervalMonth, 2, time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)},
		{"quarter", IntervalQuarter, 1, time.Date(2025, time.April, 30, 12, 0, 0, 0, time.UTC)},
		{"semi annual", IntervalSemiAnnual, 1, time.Date(2025, time.July, 31, 12, 0, 0, 0, time.UTC)},
		{"year", IntervalYear, 1, time.Date(2026, time.January, 31, 12, 0, 0, 0, time.UTC)},
		{"none", IntervalNone, 5, jan31},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.interval.Add(jan31, tt.count)
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIntervalValid(t *testing.T) {
	if !IntervalMonth.Valid() || !IntervalNone.Valid() {
		t.Error("expected known intervals to be valid")
	}
	if Interval("fortnight").Valid() {
		t.Error("expected unknown interval to be invalid")
	}
	if IntervalNone.IsRecurring() {
		t.Error("none must not recur")
	}
}

func TestPeriodAt(t *testing.T) {
	anchor := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

	p, err := PeriodAt(anchor, IntervalMonth, time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Start.Equal(time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start: got %s", p.Start)
	}
	if !p.End.Equal(time.Date(2025, time.April, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end: got %s", p.End)
	}

	if _, err := PeriodAt(anchor, IntervalNone, anchor); err == nil {
		t.Error("expected error for one-off interval")
	}
}

func TestPeriodRemainingFraction(t *testing.T) {
	p := Period{
		Start: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		now  time.Time
		want decimal.Decimal
	}{
		{"at start", p.Start, decimal.NewFromInt(1)},
		{"before start", p.Start.Add(-time.Hour), decimal.NewFromInt(1)},
		{"halfway", time.Date(2025, time.April, 16, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("0.5")},
		{"at end", p.End, decimal.Zero},
		{"after end", p.End.Add(time.Hour), decimal.Zero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.RemainingFraction(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIntervalTTL(t *testing.T) {
	from := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	if got := IntervalMonth.TTL(from); got != 28*24*time.Hour {
		t.Errorf("got %s", got)
	}
	if got := IntervalNone.TTL(from); got != 0 {
		t.Errorf("got %s", got)
	}
}
