/*
effect.go - Per-operation-type balance effect rules

PURPOSE:
  The single authoritative mapping from operation type (and side, for FX
  trades) to wallet debits and credits. The maintenance scripts this engine
  replaces each hard-coded this table inline with inconsistent sign
  conventions; here it exists exactly once.

SIGN CONVENTION:
  An FX trade or conversion with side Buy (or no side) debits the source
  wallet and credits the target wallet. Side Sell inverts the legs: the
  source wallet is credited and the target wallet debited.

USAGE ACCOUNTING:
  An FX trade or conversion whose source or target currency is the reference
  currency (USDT) contributes the amount of that leg to the client's annual
  usage. Arbitrage and transfers never count toward usage. Usage is always
  recomputed from the log, never accumulated incrementally, so applying the
  rule is idempotent no matter how often the engine runs.
*/
package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// BALANCE EFFECT - One signed wallet delta
// =============================================================================

// BalanceEffect is a single signed delta against one (client, currency)
// wallet, with the operation's contribution to annual usage attached to the
// reference-currency leg when applicable.
type BalanceEffect struct {
	ClientID ClientID
	Currency CurrencyCode
	Delta    decimal.Decimal

	// Usage is the contribution to the client's annual usage, denominated in
	// the reference currency. Zero for non-qualifying operations.
	Usage decimal.Decimal
}

// =============================================================================
// EFFECT RULES - Pure operation -> effects mapping
// =============================================================================

type EffectRules struct {
	// Reference is the currency annual usage is denominated in.
	Reference CurrencyCode
}

// NewEffectRules returns the rules with the standard reference currency.
func NewEffectRules() EffectRules {
	return EffectRules{Reference: ReferenceCurrency}
}

// Effect computes the wallet deltas induced by one operation. It is a pure
// function: same record in, same effects out. A malformed record fails with
// a ReplayError carrying the operation id; it never contributes a partial
// effect.
func (r EffectRules) Effect(op OperationRecord) ([]BalanceEffect, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	switch op.Type {
	case OpExternalDeposit:
		return []BalanceEffect{
			{ClientID: op.ClientID, Currency: op.TargetCurrency, Delta: op.TargetAmount},
		}, nil

	case OpExternalWithdrawal:
		return []BalanceEffect{
			{ClientID: op.ClientID, Currency: op.SourceCurrency, Delta: op.SourceAmount.Neg()},
		}, nil

	case OpFxTrade, OpConversion:
		effects := r.conversionEffects(op)
		r.applyUsage(op, effects)
		return effects, nil

	case OpArbitrage:
		// Same legs as a buy-side conversion, but arbitrage never counts
		// toward annual usage.
		return []BalanceEffect{
			{ClientID: op.ClientID, Currency: op.SourceCurrency, Delta: op.SourceAmount.Neg()},
			{ClientID: op.ClientID, Currency: op.TargetCurrency, Delta: op.TargetAmount},
		}, nil

	case OpTransfer:
		return []BalanceEffect{
			{ClientID: op.ClientID, Currency: op.SourceCurrency, Delta: op.SourceAmount.Neg()},
			{ClientID: op.DestinationClientID, Currency: op.TargetCurrency, Delta: op.TargetAmount},
		}, nil
	}

	// Validate already rejected unknown types; this is unreachable but keeps
	// the switch exhaustive for the compiler.
	return nil, &ReplayError{OperationID: op.ID, Err: ErrUnsupportedOperationType}
}

// conversionEffects builds the debit/credit legs of an FX trade or
// conversion according to its side.
func (r EffectRules) conversionEffects(op OperationRecord) []BalanceEffect {
	if op.Type == OpFxTrade && op.Side == SideSell {
		// Sell inverts the legs: source credited, target debited.
		return []BalanceEffect{
			{ClientID: op.ClientID, Currency: op.SourceCurrency, Delta: op.SourceAmount},
			{ClientID: op.ClientID, Currency: op.TargetCurrency, Delta: op.TargetAmount.Neg()},
		}
	}
	return []BalanceEffect{
		{ClientID: op.ClientID, Currency: op.SourceCurrency, Delta: op.SourceAmount.Neg()},
		{ClientID: op.ClientID, Currency: op.TargetCurrency, Delta: op.TargetAmount},
	}
}

// applyUsage attaches the annual-usage contribution to the reference-currency
// leg of a qualifying operation.
func (r EffectRules) applyUsage(op OperationRecord, effects []BalanceEffect) {
	var usage decimal.Decimal
	switch r.Reference {
	case op.SourceCurrency:
		usage = op.SourceAmount
	case op.TargetCurrency:
		usage = op.TargetAmount
	default:
		return
	}
	for i := range effects {
		if effects[i].Currency == r.Reference {
			effects[i].Usage = usage
			return
		}
	}
}
