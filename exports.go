package tally

import (
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Re-export common types so callers don't have to import the types package.

// ID is the identifier type of every record; its prefix names the kind.
type ID = id.ID

// Money is re-exported from types package.
type Money = types.Money

// Interval is re-exported from types package.
type Interval = types.Interval

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	JPY  = types.JPY
	Zero = types.Zero
	Sum  = types.Sum
)

// Re-export billing intervals
const (
	IntervalNone    = types.IntervalNone
	IntervalDay     = types.IntervalDay
	IntervalWeek    = types.IntervalWeek
	IntervalMonth   = types.IntervalMonth
	IntervalQuarter = types.IntervalQuarter
	IntervalYear    = types.IntervalYear
)
