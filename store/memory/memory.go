// Package memory provides in-memory store implementations for tests and
// development. Apart from locking, the semantics mirror store/sqlite.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cambio/ledger-engine/ledger"
	"github.com/cambio/ledger-engine/reconcile"
)

// =============================================================================
// MEMORY STORE - implements ledger.OperationStore, ledger.AtomicWalletStore
// and reconcile.RunStore
// =============================================================================

type Store struct {
	mu         sync.RWMutex
	operations map[ledger.OperationID]ledger.OperationRecord
	wallets    map[walletKey]ledger.Money
	usage      map[ledger.ClientID]ledger.Money
	runs       []reconcile.RunRecord
}

type walletKey struct {
	ClientID ledger.ClientID
	Currency ledger.CurrencyCode
}

func New() *Store {
	return &Store{
		operations: make(map[ledger.OperationID]ledger.OperationRecord),
		wallets:    make(map[walletKey]ledger.Money),
		usage:      make(map[ledger.ClientID]ledger.Money),
	}
}

// =============================================================================
// OPERATION LOG
// =============================================================================

func (s *Store) Append(_ context.Context, op ledger.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.ID] = op
	return nil
}

func (s *Store) Get(_ context.Context, id ledger.OperationID) (ledger.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[id]
	if !ok {
		return ledger.OperationRecord{}, ledger.ErrOperationNotFound
	}
	return op, nil
}

func (s *Store) MarkDeleted(_ context.Context, id ledger.OperationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return ledger.ErrOperationNotFound
	}
	op.IsDeleted = true
	deletedAt := at
	op.DeletedAt = &deletedAt
	s.operations[id] = op
	return nil
}

// FetchOperations returns every record affecting the client's balances:
// records the client owns plus transfers where it is the destination.
func (s *Store) FetchOperations(_ context.Context, clientID ledger.ClientID, includeDeleted bool) ([]ledger.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ops []ledger.OperationRecord
	for _, op := range s.operations {
		if op.IsDeleted && !includeDeleted {
			continue
		}
		if op.ClientID != clientID && op.DestinationClientID != clientID {
			continue
		}
		ops = append(ops, op)
	}
	ledger.SortOperations(ops)
	return ops, nil
}

func (s *Store) Clients(_ context.Context) ([]ledger.ClientID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[ledger.ClientID]bool)
	var clients []ledger.ClientID
	for _, op := range s.operations {
		for _, id := range []ledger.ClientID{op.ClientID, op.DestinationClientID} {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			clients = append(clients, id)
		}
	}
	return clients, nil
}

// =============================================================================
// WALLET / USAGE STORE
// =============================================================================

func (s *Store) ReadWallets(_ context.Context, clientID ledger.ClientID) (map[ledger.CurrencyCode]ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make(map[ledger.CurrencyCode]ledger.Money)
	for k, m := range s.wallets {
		if k.ClientID == clientID {
			balances[k.Currency] = m
		}
	}
	return balances, nil
}

func (s *Store) ReadUsage(_ context.Context, clientID ledger.ClientID) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.usage[clientID]; ok {
		return u, nil
	}
	return ledger.Zero(ledger.ReferenceCurrency), nil
}

func (s *Store) WriteWallet(_ context.Context, clientID ledger.ClientID, balance ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[walletKey{ClientID: clientID, Currency: balance.Currency}] = balance
	return nil
}

func (s *Store) WriteUsage(_ context.Context, clientID ledger.ClientID, usage ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[clientID] = usage
	return nil
}

// WriteAll applies all wallet rows plus the usage counter under one lock,
// mirroring the transactional write of the sqlite store.
func (s *Store) WriteAll(_ context.Context, clientID ledger.ClientID, balances map[ledger.CurrencyCode]ledger.Money, usage ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, m := range balances {
		s.wallets[walletKey{ClientID: clientID, Currency: c}] = m
	}
	s.usage[clientID] = usage
	return nil
}

// =============================================================================
// RUN STORE
// =============================================================================

func (s *Store) RecordRun(_ context.Context, run reconcile.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]reconcile.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]reconcile.RunRecord, len(s.runs))
	copy(runs, s.runs)
	// Newest first.
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
