/*
Package ledger provides the core ledger replay and reconciliation engine.

PURPOSE:
  This package contains the types and algorithms for recomputing canonical
  per-currency wallet balances from an append-only log of financial
  operations. Stored balances are mutable and can drift from what the log
  implies; this engine is the single deterministic way to recompute them,
  detect drift, and derive the corrections (including reversals on deletion).

KEY CONCEPTS IN THIS FILE (money.go):
  - CurrencyCode: Closed set of supported currencies
  - Money: A fixed-precision decimal amount tagged with its currency

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Closed currency set: Unknown codes are data errors, never silent no-ops
  3. Currency safety: Arithmetic between different currencies fails loudly

USAGE:
  m := ledger.NewMoney(decimal.NewFromInt(1000), ledger.BRL)
  sum, err := m.Add(ledger.NewMoney(decimal.NewFromInt(540), ledger.BRL))

SEE ALSO:
  - operation.go: Operation log records
  - effect.go: Per-operation-type balance effects
  - replay.go: Folding the log into balances
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY CODE - Closed set known at compile time
// =============================================================================

type CurrencyCode string

const (
	USD  CurrencyCode = "USD"
	EUR  CurrencyCode = "EUR"
	GBP  CurrencyCode = "GBP"
	BRL  CurrencyCode = "BRL"
	USDT CurrencyCode = "USDT"
	USDC CurrencyCode = "USDC"
)

// ReferenceCurrency is the currency in which annual usage is denominated.
const ReferenceCurrency = USDT

// currencyScale maps each supported currency to its fractional-digit scale.
// Fiat currencies settle at 2 decimals, stablecoins at 6.
var currencyScale = map[CurrencyCode]int32{
	USD:  2,
	EUR:  2,
	GBP:  2,
	BRL:  2,
	USDT: 6,
	USDC: 6,
}

// Currencies returns all supported currency codes in stable order.
func Currencies() []CurrencyCode {
	return []CurrencyCode{USD, EUR, GBP, BRL, USDT, USDC}
}

// ParseCurrency validates a raw currency string against the supported set.
func ParseCurrency(s string) (CurrencyCode, error) {
	c := CurrencyCode(s)
	if !c.Valid() {
		return "", &UnknownCurrencyError{Code: s}
	}
	return c, nil
}

// Valid reports whether the code belongs to the supported set.
func (c CurrencyCode) Valid() bool {
	_, ok := currencyScale[c]
	return ok
}

// Scale returns the number of fractional digits for the currency.
func (c CurrencyCode) Scale() int32 {
	return currencyScale[c]
}

// =============================================================================
// MONEY - Fixed-precision amount with currency tag
// =============================================================================

type Money struct {
	Amount   decimal.Decimal
	Currency CurrencyCode
}

// NewMoney creates a Money value rounded to the currency's scale.
func NewMoney(amount decimal.Decimal, currency CurrencyCode) Money {
	return Money{Amount: amount.Round(currency.Scale()), Currency: currency}
}

// NewMoneyFromString parses a decimal string into a Money value.
func NewMoneyFromString(s string, currency CurrencyCode) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return NewMoney(d, currency), nil
}

// Zero returns the zero value in the given currency.
func Zero(currency CurrencyCode) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add returns m + other. Fails with CurrencyMismatchError if the currencies
// differ.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, &CurrencyMismatchError{Left: m.Currency, Right: other.Currency}
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other. Fails with CurrencyMismatchError if the currencies
// differ.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, &CurrencyMismatchError{Left: m.Currency, Right: other.Currency}
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Neg() Money        { return Money{Amount: m.Amount.Neg(), Currency: m.Currency} }
func (m Money) Abs() Money        { return Money{Amount: m.Amount.Abs(), Currency: m.Currency} }
func (m Money) IsZero() bool      { return m.Amount.IsZero() }
func (m Money) IsNegative() bool  { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool  { return m.Amount.IsPositive() }

// Equal reports whether both currency and amount match.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return m.Amount.StringFixed(m.Currency.Scale()) + " " + string(m.Currency)
}
