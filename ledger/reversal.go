/*
reversal.go - Exact inverse of a single operation's balance effect

PURPOSE:
  When an operation is deleted (soft delete), its effect on balances and
  annual usage must be undone. Rather than replaying the entire log, the
  reversal delta is applied directly to the stored state.

CORRECTNESS PROPERTY:
  For any operation op in any log L:

      replay(L) + reverse(op) == replay(L without op)

  for every affected currency and for usage. This equivalence is required,
  not incidental: it is what makes applying the reversal to stored state
  interchangeable with a full replay.
*/
package ledger

// ReversalEngine computes the algebraic inverse of an operation's effect.
type ReversalEngine struct {
	Rules EffectRules
}

func NewReversalEngine() ReversalEngine {
	return ReversalEngine{Rules: NewEffectRules()}
}

// Reverse returns the negation of the operation's effect: every wallet
// delta and every usage contribution with its sign flipped. Fails with
// ErrOperationDeleted for an already-deleted record, since its effect is no
// longer part of any replay and reversing it again would double-revert.
func (e ReversalEngine) Reverse(op OperationRecord) ([]BalanceEffect, error) {
	if op.IsDeleted {
		return nil, &ReplayError{OperationID: op.ID, Err: ErrOperationDeleted}
	}

	effects, err := e.Rules.Effect(op)
	if err != nil {
		return nil, err
	}

	reversed := make([]BalanceEffect, len(effects))
	for i, eff := range effects {
		reversed[i] = BalanceEffect{
			ClientID: eff.ClientID,
			Currency: eff.Currency,
			Delta:    eff.Delta.Neg(),
			Usage:    eff.Usage.Neg(),
		}
	}
	return reversed, nil
}

// ReverseForClient returns the reversal deltas that apply to one client's
// wallets, as Money values keyed by currency. This is the shape the deletion
// workflow applies to the wallet store before marking the record deleted.
func (e ReversalEngine) ReverseForClient(op OperationRecord, clientID ClientID) (map[CurrencyCode]Money, error) {
	effects, err := e.Reverse(op)
	if err != nil {
		return nil, err
	}

	deltas := make(map[CurrencyCode]Money)
	for _, eff := range effects {
		if eff.ClientID != clientID {
			continue
		}
		current, ok := deltas[eff.Currency]
		if !ok {
			current = Zero(eff.Currency)
		}
		deltas[eff.Currency] = Money{
			Amount:   current.Amount.Add(eff.Delta),
			Currency: eff.Currency,
		}
	}
	return deltas, nil
}
