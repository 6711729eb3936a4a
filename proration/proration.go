// Package proration computes the signed monetary delta when an item's
// billing configuration changes mid-cycle.
package proration

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

// Behavior is the policy applied to one direction of change.
type Behavior string

const (
	ProrateImmediately Behavior = "prorate_immediately"
	ProrateNextCycle   Behavior = "prorate_next_cycle"
	None               Behavior = "none"

	// legacyProrate is accepted on input only; Normalize rewrites it.
	legacyProrate Behavior = "prorate"
)

// Config is the per-item proration policy.
type Config struct {
	OnIncrease Behavior `json:"on_increase,omitempty"`
	OnDecrease Behavior `json:"on_decrease,omitempty"`
}

var ErrInvalidBehavior = errors.New("proration: invalid behavior")

// Normalize fills defaults. An empty OnIncrease prorates immediately. The
// legacy "prorate" decrease follows the increase policy: immediate when the
// increase is immediate, otherwise next cycle.
func (c Config) Normalize() Config {
	if c.OnIncrease == "" || c.OnIncrease == legacyProrate {
		c.OnIncrease = ProrateImmediately
	}
	switch c.OnDecrease {
	case "":
		c.OnDecrease = ProrateImmediately
	case legacyProrate:
		if c.OnIncrease == ProrateImmediately {
			c.OnDecrease = ProrateImmediately
		} else {
			c.OnDecrease = ProrateNextCycle
		}
	}
	return c
}

// Validate checks both behaviors after normalization.
func (c Config) Validate() error {
	n := c.Normalize()
	for _, b := range []Behavior{n.OnIncrease, n.OnDecrease} {
		switch b {
		case ProrateImmediately, ProrateNextCycle, None:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidBehavior, b)
		}
	}
	return nil
}

// Model selects the cost formula for an item.
type Model string

const (
	ModelFlat       Model = "flat"
	ModelAllocated  Model = "allocated"
	ModelPrepaid    Model = "prepaid"
	ModelConsumable Model = "consumable"
	ModelFree       Model = "free"
)

// ItemConfig is one side of a change. Price is the flat amount, the
// per-seat price (allocated) or the per-pack price (prepaid).
type ItemConfig struct {
	Model        Model           `json:"model"`
	Price        types.Money     `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Included     decimal.Decimal `json:"included"`
	BillingUnits decimal.Decimal `json:"billing_units"`
	Config       Config          `json:"config"`
}

// Cost is the full-cycle charge of the configuration.
func (c ItemConfig) Cost() types.Money {
	switch c.Model {
	case ModelFlat:
		return c.Price
	case ModelAllocated:
		return c.Price.MultiplyDecimal(overage(c.Quantity, c.Included))
	case ModelPrepaid:
		return c.Price.MultiplyDecimal(Packs(c.Quantity, c.Included, c.BillingUnits))
	default:
		return types.Zero(c.Price.Currency)
	}
}

// Packs returns ceil((quantity - included) / units), floored at zero.
func Packs(quantity, included, units decimal.Decimal) decimal.Decimal {
	if !units.IsPositive() {
		units = decimal.NewFromInt(1)
	}
	billable := overage(quantity, included)
	return billable.Div(units).Ceil()
}

func overage(quantity, included decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, quantity.Sub(included))
}

// Cycle locates the change inside the current billing period. A zero
// Period means the item is one-off and never prorated.
type Cycle struct {
	Period types.Period
	Now    time.Time
}

// Fraction returns the share of the cycle still to be billed.
func (c Cycle) Fraction() decimal.Decimal {
	if c.Period.Start.IsZero() || c.Period.End.IsZero() {
		return decimal.NewFromInt(1)
	}
	return c.Period.RemainingFraction(c.Now)
}

// Delta is the outcome of a configuration change.
type Delta struct {
	// Now is charged (positive) or credited (negative) immediately.
	Now types.Money `json:"now"`
	// NextCycle lands on the next renewal invoice.
	NextCycle types.Money `json:"next_cycle"`
	// DeferQuantity means the quantity change itself waits for renewal.
	DeferQuantity bool `json:"defer_quantity"`
	Increase      bool `json:"increase"`
}

// ComputeDelta prices a change from old to new within cycle.
func ComputeDelta(old, new ItemConfig, cycle Cycle) (Delta, error) {
	currency := new.Price.Currency
	if currency == "" {
		currency = old.Price.Currency
	}
	if old.Price.Currency != "" && new.Price.Currency != "" && old.Price.Currency != new.Price.Currency {
		return Delta{}, fmt.Errorf("proration: currency mismatch %s != %s", old.Price.Currency, new.Price.Currency)
	}

	cfg := new.Config.Normalize()
	if err := cfg.Validate(); err != nil {
		return Delta{}, err
	}

	oldCost, newCost := old.Cost(), new.Cost()
	if oldCost.Currency == "" {
		oldCost.Currency = currency
	}
	if newCost.Currency == "" {
		newCost.Currency = currency
	}
	full := newCost.Subtract(oldCost)
	prorated := full.MultiplyDecimal(cycle.Fraction())

	d := Delta{
		Now:       types.Zero(currency),
		NextCycle: types.Zero(currency),
	}

	decrease := full.IsNegative() || (full.IsZero() && new.Quantity.LessThan(old.Quantity))
	if !decrease {
		d.Increase = full.IsPositive() || new.Quantity.GreaterThan(old.Quantity)
		switch cfg.OnIncrease {
		case ProrateImmediately:
			d.Now = prorated
		case ProrateNextCycle:
			d.NextCycle = prorated
		}
		return d, nil
	}

	switch cfg.OnDecrease {
	case ProrateImmediately:
		d.Now = prorated
	case ProrateNextCycle:
		d.NextCycle = prorated
	case None:
		d.DeferQuantity = true
	}
	return d, nil
}

// Line is one priced component of a multi-item change.
type Line struct {
	ItemID      string      `json:"item_id,omitempty"`
	Description string      `json:"description"`
	Amount      types.Money `json:"amount"`
}

// Combine sums lines into a signed total. A negative total is a credit.
func Combine(currency string, lines []Line) types.Money {
	total := types.Zero(currency)
	for _, l := range lines {
		amt := l.Amount
		if amt.Currency == "" {
			amt.Currency = total.Currency
		}
		total = total.Add(amt)
	}
	return total
}
