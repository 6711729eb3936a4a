// Package types provides common types used across Tally.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the smallest unit of its currency. Arithmetic
// between amounts is integer-only; fractional quantities go through
// MultiplyDecimal, which rounds once.
//
//   - USD(4900) = $49.00
//   - JPY(100) = ¥100
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"` // ISO 4217, lowercase
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// GBP creates a Money value in British Pounds (pence).
func GBP(pence int64) Money { return Money{Amount: pence, Currency: "gbp"} }

// JPY creates a Money value in Japanese Yen.
func JPY(yen int64) Money { return Money{Amount: yen, Currency: "jpy"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Currency: strings.ToLower(currency)} }

// FromMinorDecimal builds Money from a decimal amount of minor units,
// rounding half away from zero.
func FromMinorDecimal(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount.Round(0).IntPart(), Currency: strings.ToLower(currency)}
}

// Add panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.mustMatch(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Subtract panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.mustMatch(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// Multiply multiplies the Money by a whole quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// Divide truncates toward zero.
func (m Money) Divide(divisor int64) Money {
	if divisor == 0 {
		panic("money: division by zero")
	}
	return Money{Amount: m.Amount / divisor, Currency: m.Currency}
}

// MultiplyDecimal multiplies the Money by a fractional quantity and rounds
// half away from zero to the smallest currency unit.
func (m Money) MultiplyDecimal(qty decimal.Decimal) Money {
	return FromMinorDecimal(m.Decimal().Mul(qty), m.Currency)
}

// Decimal returns the amount in minor units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount)
}

func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal compares amount and currency. Zero amounts in different currencies
// are not equal.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// LessThan panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	m.mustMatch(other)
	return m.Amount < other.Amount
}

// GreaterThan panics if currencies don't match.
func (m Money) GreaterThan(other Money) bool {
	m.mustMatch(other)
	return m.Amount > other.Amount
}

// Min returns the smaller amount. It caps discounts at the amount they
// apply to.
func (m Money) Min(other Money) Money {
	if m.LessThan(other) {
		return m
	}
	return other
}

// FormatMajor renders the amount in major units without a symbol: "49.00"
// for USD(4900), "100" for JPY(100).
func (m Money) FormatMajor() string {
	exp := lookupCurrency(m.Currency).exponent
	return decimal.New(m.Amount, -exp).StringFixed(exp)
}

// String renders the amount with its currency symbol, e.g. "$49.00".
func (m Money) String() string {
	return lookupCurrency(m.Currency).symbol + m.FormatMajor()
}

// MarshalJSON adds a display string next to the raw fields. Decoding uses
// the struct tags and ignores it.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

func (m Money) mustMatch(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

// Sum adds values of one currency. An empty sum is zero dollars.
func Sum(values ...Money) Money {
	if len(values) == 0 {
		return Zero("usd")
	}
	total := values[0]
	for _, v := range values[1:] {
		total = total.Add(v)
	}
	return total
}

type currencyInfo struct {
	symbol   string
	exponent int32
}

var currencies = map[string]currencyInfo{
	"usd": {"$", 2},
	"eur": {"€", 2},
	"gbp": {"£", 2},
	"jpy": {"¥", 0},
	"cad": {"C$", 2},
	"aud": {"A$", 2},
	"nzd": {"NZ$", 2},
	"chf": {"CHF ", 2},
	"sek": {"kr ", 2},
	"cny": {"¥", 2},
	"krw": {"₩", 0},
	"vnd": {"₫", 0},
	"clp": {"CLP ", 0},
}

// lookupCurrency falls back to the upper-case code and two decimals.
func lookupCurrency(code string) currencyInfo {
	code = strings.ToLower(code)
	if c, ok := currencies[code]; ok {
		return c
	}
	return currencyInfo{symbol: strings.ToUpper(code) + " ", exponent: 2}
}
