/*
store.go - Contracts for the external operation log and wallet stores

PURPOSE:
  Defines the library boundary between the engine and its external
  collaborators. The engine never talks to a concrete database; it consumes
  the operation log and reads/writes wallet state exclusively through these
  interfaces. store/sqlite and store/memory provide reference
  implementations.

ATOMICITY:
  Correction writes for one client should cover all drifting currencies plus
  the usage counter as one logical unit. Stores that can offer multi-row
  transactions implement AtomicWalletStore; against a plain WalletStore the
  reconciler falls back to per-currency writes and reports exactly which
  subset succeeded.
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// OPERATION LOG STORE
// =============================================================================

// OperationLog is the read side of the append-only operation log.
//
// FetchOperations must return every record that can affect the client's
// balances, including transfers where the client is the destination,
// ordered by (CreatedAt, ID). The replayer re-sorts defensively, so a store
// returning unsorted records is slow, not wrong.
type OperationLog interface {
	FetchOperations(ctx context.Context, clientID ClientID, includeDeleted bool) ([]OperationRecord, error)

	// Clients lists every client with at least one operation. Used for
	// batch reconciliation.
	Clients(ctx context.Context) ([]ClientID, error)
}

// OperationStore extends the log with the writes the deletion workflow and
// the execution path need. Records are immutable in their financial fields:
// the only mutation ever allowed is the soft-delete marker.
type OperationStore interface {
	OperationLog

	Get(ctx context.Context, id OperationID) (OperationRecord, error)
	Append(ctx context.Context, op OperationRecord) error

	// MarkDeleted sets the soft-delete marker. The record stays in the log;
	// replay simply skips it from then on.
	MarkDeleted(ctx context.Context, id OperationID, at time.Time) error
}

// =============================================================================
// WALLET / USAGE STORE
// =============================================================================

// WalletStore is the engine's view of stored per-currency balances and the
// annual-usage counter. During a correction the reconciler owns these rows;
// at all other times they belong to the external store.
type WalletStore interface {
	ReadWallets(ctx context.Context, clientID ClientID) (map[CurrencyCode]Money, error)
	ReadUsage(ctx context.Context, clientID ClientID) (Money, error)

	WriteWallet(ctx context.Context, clientID ClientID, balance Money) error
	WriteUsage(ctx context.Context, clientID ClientID, usage Money) error
}

// AtomicWalletStore is implemented by stores that can write several wallet
// rows plus the usage counter in a single transaction. The reconciler
// prefers this path; it makes a correction all-or-nothing.
type AtomicWalletStore interface {
	WalletStore

	WriteAll(ctx context.Context, clientID ClientID, balances map[CurrencyCode]Money, usage Money) error
}
