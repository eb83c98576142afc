/*
operation.go - Immutable records of the append-only operation log

PURPOSE:
  The operation log is the source of truth for all balances. Every deposit,
  withdrawal, FX trade, conversion, transfer, and arbitrage run is recorded
  here exactly once. Balances are always recomputable by replaying the log;
  stored wallet rows are a cache that can drift.

CRITICAL INVARIANTS:
  1. IMMUTABLE: Financial fields are never mutated after creation
  2. SOFT DELETE: "Deletion" is a marker that triggers a reversal; records
     are never hard-deleted during reconciliation
  3. ORDERED: CreatedAt is the logical ordering; ties break by ID so replay
     is deterministic even when timestamps collide

SEE ALSO:
  - effect.go: Maps each operation type to its balance effect
  - replay.go: Folds ordered operations into balances
*/
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OperationID string
type ClientID string

// =============================================================================
// OPERATION TYPE - Closed tagged set, checked exhaustively
// =============================================================================

type OperationType string

const (
	OpExternalDeposit    OperationType = "external_deposit"
	OpExternalWithdrawal OperationType = "external_withdrawal"
	OpFxTrade            OperationType = "fx_trade"
	OpConversion         OperationType = "conversion"
	OpTransfer           OperationType = "transfer"
	OpArbitrage          OperationType = "arbitrage"
)

// ParseOperationType validates a raw operation type string.
func ParseOperationType(s string) (OperationType, error) {
	t := OperationType(s)
	switch t {
	case OpExternalDeposit, OpExternalWithdrawal, OpFxTrade, OpConversion, OpTransfer, OpArbitrage:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedOperationType, s)
}

// IsConversionClass reports whether the operation exchanges one currency for
// another within a single client's wallets.
func (t OperationType) IsConversionClass() bool {
	switch t {
	case OpFxTrade, OpConversion, OpArbitrage:
		return true
	}
	return false
}

// Side qualifies an FX trade. It is meaningful only for OpFxTrade.
type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// =============================================================================
// OPERATION RECORD
// =============================================================================

type OperationRecord struct {
	ID       OperationID
	ClientID ClientID

	Type OperationType
	Side Side

	SourceCurrency CurrencyCode
	TargetCurrency CurrencyCode
	SourceAmount   decimal.Decimal
	TargetAmount   decimal.Decimal

	// Present only for transfers.
	DestinationClientID ClientID

	CreatedAt time.Time

	// Soft-delete marker. Replay skips deleted records unless explicitly
	// replaying deletion history.
	IsDeleted bool
	DeletedAt *time.Time
}

// SourceMoney returns the source amount as Money.
func (op OperationRecord) SourceMoney() Money {
	return Money{Amount: op.SourceAmount, Currency: op.SourceCurrency}
}

// TargetMoney returns the target amount as Money.
func (op OperationRecord) TargetMoney() Money {
	return Money{Amount: op.TargetAmount, Currency: op.TargetCurrency}
}

// Validate checks the structural invariants of a record. Effect computation
// calls this first, so a malformed record can never contribute to a balance.
func (op OperationRecord) Validate() error {
	switch op.Type {
	case OpExternalDeposit, OpExternalWithdrawal, OpFxTrade, OpConversion, OpTransfer, OpArbitrage:
	default:
		return &ReplayError{OperationID: op.ID, Err: ErrUnsupportedOperationType}
	}

	if op.SourceAmount.IsNegative() || op.TargetAmount.IsNegative() {
		return &ReplayError{OperationID: op.ID, Err: ErrInvalidAmount}
	}

	switch op.Type {
	case OpExternalDeposit:
		if !op.TargetCurrency.Valid() {
			return &ReplayError{OperationID: op.ID, Err: &UnknownCurrencyError{Code: string(op.TargetCurrency)}}
		}
	case OpExternalWithdrawal:
		if !op.SourceCurrency.Valid() {
			return &ReplayError{OperationID: op.ID, Err: &UnknownCurrencyError{Code: string(op.SourceCurrency)}}
		}
	default:
		if !op.SourceCurrency.Valid() {
			return &ReplayError{OperationID: op.ID, Err: &UnknownCurrencyError{Code: string(op.SourceCurrency)}}
		}
		if !op.TargetCurrency.Valid() {
			return &ReplayError{OperationID: op.ID, Err: &UnknownCurrencyError{Code: string(op.TargetCurrency)}}
		}
	}

	// A conversion from a currency to itself is meaningless and almost
	// certainly a data-entry error upstream.
	if op.Type.IsConversionClass() && op.SourceCurrency == op.TargetCurrency {
		return &ReplayError{OperationID: op.ID, Err: ErrInvalidOperation}
	}

	// A transfer must name the receiving client or its credit leg has no
	// wallet to land in.
	if op.Type == OpTransfer && op.DestinationClientID == "" {
		return &ReplayError{OperationID: op.ID, Err: ErrInvalidOperation}
	}

	return nil
}

// SortOperations orders records by (CreatedAt, ID) ascending, in place.
// The ID tie-break guarantees deterministic replay when timestamps collide.
func SortOperations(ops []OperationRecord) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}
