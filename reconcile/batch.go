/*
batch.go - Batch reconciliation across all clients

PURPOSE:
  Iterates every client known to the operation log and reconciles each one.
  Independent clients share no mutable state, so their runs execute in
  parallel on a bounded worker pool. There is no ordering guarantee across
  clients, and none is needed.
*/
package reconcile

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/cambio/ledger-engine/ledger"
)

// BatchResult aggregates the per-client outcomes of a batch run.
type BatchResult struct {
	Reports []Report `json:"reports"`

	// Errors maps failed clients to their error strings. A failed client
	// never blocks the rest of the batch.
	Errors map[ledger.ClientID]string `json:"errors,omitempty"`
}

// Drifted returns how many clients showed drift.
func (b BatchResult) Drifted() int {
	n := 0
	for _, r := range b.Reports {
		if !r.NoDrift() {
			n++
		}
	}
	return n
}

// ReconcileAll reconciles every client with operations in the log, at most
// parallelism clients at a time (minimum 1).
func (r *Reconciler) ReconcileAll(ctx context.Context, apply bool, parallelism int) (BatchResult, error) {
	clients, err := r.ops.Clients(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if parallelism < 1 {
		parallelism = 1
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = BatchResult{Errors: make(map[ledger.ClientID]string)}
		sem    = make(chan struct{}, parallelism)
	)

	for _, clientID := range clients {
		if err := ctx.Err(); err != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(clientID ledger.ClientID) {
			defer wg.Done()
			defer func() { <-sem }()

			report, err := r.Reconcile(ctx, clientID, apply)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[clientID] = err.Error()
				return
			}
			result.Reports = append(result.Reports, report)
		}(clientID)
	}
	wg.Wait()

	sort.Slice(result.Reports, func(i, j int) bool {
		return result.Reports[i].ClientID < result.Reports[j].ClientID
	})
	if len(result.Errors) == 0 {
		result.Errors = nil
	}

	log.Printf("[reconcile] batch complete: clients=%d drifted=%d errors=%d apply=%v",
		len(clients), result.Drifted(), len(result.Errors), apply)
	return result, ctx.Err()
}
