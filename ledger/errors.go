/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match sentinels with errors.Is() and unwrap structured errors
  with errors.As().

ERROR CATEGORIES:
  1. Data errors      - Malformed operation records (bad amount, bad pair)
  2. Arithmetic errors - Money operations across incompatible currencies
  3. Replay errors     - An operation whose effect could not be computed
  4. Store errors      - I/O failures reading or writing external state

USAGE:
  if errors.Is(err, ledger.ErrInvalidAmount) { ... }

  var replayErr *ledger.ReplayError
  if errors.As(err, &replayErr) {
      log.Printf("bad operation: %s", replayErr.OperationID)
  }
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when an operation carries a negative or
	// unparseable source/target amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidOperation is returned when a conversion-class operation has
	// the same source and target currency.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrUnsupportedOperationType is returned for operation types outside the
	// closed set. Unrecognized types must never fall through silently.
	ErrUnsupportedOperationType = errors.New("unsupported operation type")

	// ErrCurrencyMismatch is returned for arithmetic between Money values of
	// different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrUnknownCurrency is returned when a currency code is outside the
	// supported set.
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrStoreRead is returned when the operation log or wallet store cannot
	// be read. No writes are ever attempted after a read failure.
	ErrStoreRead = errors.New("store read failure")

	// ErrStorePartialWrite is returned when only a subset of correction
	// writes succeeded. The failed currencies are enumerated on the
	// PartialWriteError.
	ErrStorePartialWrite = errors.New("store partial write failure")

	// ErrOperationNotFound is returned when an operation id does not exist.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationDeleted is returned when reversing an operation that is
	// already soft-deleted. Reversing twice would double-revert balances.
	ErrOperationDeleted = errors.New("operation already deleted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnknownCurrencyError reports a currency code outside the supported set.
type UnknownCurrencyError struct {
	Code string
}

func (e *UnknownCurrencyError) Error() string {
	return fmt.Sprintf("unknown currency: %q", e.Code)
}

func (e *UnknownCurrencyError) Unwrap() error { return ErrUnknownCurrency }

// CurrencyMismatchError reports arithmetic between incompatible Money values.
type CurrencyMismatchError struct {
	Left  CurrencyCode
	Right CurrencyCode
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: %s vs %s", e.Left, e.Right)
}

func (e *CurrencyMismatchError) Unwrap() error { return ErrCurrencyMismatch }

// ReplayError tags a failed effect computation with the offending operation.
// Replay errors are surfaced verbatim, never silently skipped: skipping would
// produce an incorrect balance believed correct.
type ReplayError struct {
	OperationID OperationID
	Err         error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed at operation %s: %v", e.OperationID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// PartialWriteError reports a correction run where only some currency wallets
// were updated. The caller re-runs reconciliation to retry the remainder;
// the correction is idempotent by construction.
type PartialWriteError struct {
	ClientID ClientID
	Applied  []CurrencyCode
	Failed   []CurrencyCode
	Err      error
}

func (e *PartialWriteError) Error() string {
	failed := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		failed[i] = string(c)
	}
	return fmt.Sprintf("partial correction for client %s: failed currencies [%s]: %v",
		e.ClientID, strings.Join(failed, ", "), e.Err)
}

func (e *PartialWriteError) Unwrap() error { return ErrStorePartialWrite }
