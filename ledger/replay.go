/*
replay.go - Deterministic fold of the operation log into balances

PURPOSE:
  Recomputes a client's canonical per-currency balances and annual usage by
  folding over the ordered, non-deleted operation log from a zero baseline.
  This is the ground-truth computation that stored wallet rows are compared
  against.

DETERMINISM:
  Replaying the same finite sequence twice yields identical results. The
  fold sorts by (CreatedAt, ID) so colliding timestamps cannot reorder the
  outcome, and all arithmetic is decimal, so there is no float drift.

FAILURE SEMANTICS:
  By default a failed effect computation aborts the whole replay, tagged
  with the offending operation id. A silently skipped operation would
  produce an incorrect balance believed correct. Callers that prefer
  skip-and-report opt in via SkipInvalid and read Result.Errors.
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// REPLAY RESULT
// =============================================================================

// ReplayResult is the canonical state implied by the operation log for one
// client: every known currency mapped to its recomputed balance, plus the
// annual usage total in the reference currency.
type ReplayResult struct {
	ClientID ClientID
	Balances map[CurrencyCode]Money
	Usage    Money

	// Errors holds the per-operation failures encountered when the replayer
	// runs in skip-and-report mode. Empty in abort mode (the replay fails
	// instead).
	Errors []*ReplayError
}

// Balance returns the recomputed balance for one currency (zero if the
// currency never appeared in the log).
func (r ReplayResult) Balance(c CurrencyCode) Money {
	if m, ok := r.Balances[c]; ok {
		return m
	}
	return Zero(c)
}

// =============================================================================
// REPLAYER
// =============================================================================

// Replayer folds ordered operation sequences into balances using EffectRules.
// The zero value is not usable; construct with NewReplayer.
type Replayer struct {
	Rules EffectRules

	// SkipInvalid switches from abort-on-error to skip-and-report. Default
	// is abort: a wrong balance believed correct is worse than no balance.
	SkipInvalid bool

	// UsageWindow bounds which operations count toward annual usage.
	// Zero value counts the whole log.
	UsageWindow Period
}

func NewReplayer() *Replayer {
	return &Replayer{Rules: NewEffectRules()}
}

// Replay computes the canonical balances and usage for clientID from ops.
// The input slice is not mutated; operations are folded in ascending
// (CreatedAt, ID) order. Deleted records and effects destined to other
// clients are skipped; effects on other clients belong to those clients'
// own replays.
func (r *Replayer) Replay(ops []OperationRecord, clientID ClientID) (ReplayResult, error) {
	ordered := make([]OperationRecord, len(ops))
	copy(ordered, ops)
	SortOperations(ordered)

	balances := make(map[CurrencyCode]decimal.Decimal, len(Currencies()))
	for _, c := range Currencies() {
		balances[c] = decimal.Zero
	}
	usage := decimal.Zero

	result := ReplayResult{ClientID: clientID}

	for _, op := range ordered {
		if op.IsDeleted {
			continue
		}

		effects, err := r.Rules.Effect(op)
		if err != nil {
			replayErr, ok := err.(*ReplayError)
			if !ok {
				replayErr = &ReplayError{OperationID: op.ID, Err: err}
			}
			if !r.SkipInvalid {
				return ReplayResult{}, replayErr
			}
			result.Errors = append(result.Errors, replayErr)
			continue
		}

		countUsage := r.UsageWindow.Contains(op.CreatedAt)
		for _, eff := range effects {
			if eff.ClientID != clientID {
				continue
			}
			balances[eff.Currency] = balances[eff.Currency].Add(eff.Delta)
			if countUsage {
				usage = usage.Add(eff.Usage)
			}
		}
	}

	result.Balances = make(map[CurrencyCode]Money, len(balances))
	for c, amount := range balances {
		result.Balances[c] = Money{Amount: amount, Currency: c}
	}
	result.Usage = Money{Amount: usage, Currency: r.Rules.Reference}
	return result, nil
}
