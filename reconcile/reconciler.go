/*
Package reconcile orchestrates ledger replay, drift detection, and
correction for clients.

PURPOSE:
  The Reconciler is the state machine that ties the pure engine pieces to
  the external stores:

      Fetching → Replaying → Comparing → (Idle | Correcting) → Done

  Fetching and Comparing are read-only; no write is ever attempted before
  the Correcting phase, so a run aborted earlier leaves no partial effects.
  Correction writes for one client prefer a single atomic write covering all
  drifting currencies plus the usage counter; against a store without
  multi-row transactions the applied subset is reported per currency.

RE-ENTRANCY:
  The reconciler keeps no ledger data between invocations, only
  configuration. Running it twice in a row with no new operations yields
  empty drift on the second run; corrections are idempotent by
  construction because balances are recomputed from the full log every time.

SEE ALSO:
  - ledger: replay, effect rules, drift detection, reversal
  - runs.go: persisted history of reconciliation runs
*/
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cambio/ledger-engine/ledger"
)

// =============================================================================
// REPORT
// =============================================================================

// Report is the outcome of one client's reconciliation run.
type Report struct {
	ClientID ledger.ClientID `json:"client_id"`

	// Drift lists the currencies whose stored balance disagreed with the
	// replayed balance beyond tolerance. Empty means the run was a no-op.
	Drift []ledger.DriftEntry `json:"drift"`

	// UsageDrift is set when the stored annual-usage counter disagrees with
	// the recomputed one.
	UsageDrift *ledger.DriftEntry `json:"usage_drift,omitempty"`

	// Applied reports whether corrections were written. False for
	// report-only runs and for no-op runs.
	Applied bool `json:"applied"`

	// PartialFailures enumerates the currencies whose correction write
	// failed. Non-empty only when the underlying store could not apply the
	// correction as one transaction. Re-running reconciliation retries them.
	PartialFailures []ledger.CurrencyCode `json:"partial_failures,omitempty"`

	RanAt    time.Time     `json:"ran_at"`
	Duration time.Duration `json:"duration"`
}

// NoDrift reports whether the run found stored state consistent with the log.
func (r Report) NoDrift() bool {
	return len(r.Drift) == 0 && r.UsageDrift == nil
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler wires the replay engine to the external stores. Safe for
// concurrent use: independent clients share no mutable state, so their
// reconciliations may run fully in parallel.
type Reconciler struct {
	ops      ledger.OperationStore
	wallets  ledger.WalletStore
	runs     RunStore // optional
	detector ledger.DriftDetector
	rules    ledger.EffectRules

	// now is swappable for tests; it anchors the annual-usage window.
	now func() time.Time
}

// New creates a reconciler over the given stores with the given drift
// tolerance. Pass ledger.DefaultTolerance unless the caller knows better.
func New(ops ledger.OperationStore, wallets ledger.WalletStore, tolerance decimal.Decimal) *Reconciler {
	return &Reconciler{
		ops:      ops,
		wallets:  wallets,
		detector: ledger.NewDriftDetector(tolerance),
		rules:    ledger.NewEffectRules(),
		now:      time.Now,
	}
}

// WithRunStore enables persisted run history. Recording is best-effort: a
// failed history write is logged, never surfaced as a reconciliation error.
func (r *Reconciler) WithRunStore(runs RunStore) *Reconciler {
	r.runs = runs
	return r
}

// Reconcile runs the full state machine for one client. With apply=false it
// is strictly read-only. With apply=true, detected drift is corrected by
// writing the replayed balances and the recomputed usage.
func (r *Reconciler) Reconcile(ctx context.Context, clientID ledger.ClientID, apply bool) (Report, error) {
	started := r.now()
	report := Report{ClientID: clientID, RanAt: started}

	// Fetching: read-only, no side effects yet.
	ops, err := r.ops.FetchOperations(ctx, clientID, false)
	if err != nil {
		return report, fmt.Errorf("%w: fetch operations for %s: %v", ledger.ErrStoreRead, clientID, err)
	}
	stored, err := r.wallets.ReadWallets(ctx, clientID)
	if err != nil {
		return report, fmt.Errorf("%w: read wallets for %s: %v", ledger.ErrStoreRead, clientID, err)
	}
	storedUsage, err := r.wallets.ReadUsage(ctx, clientID)
	if err != nil {
		return report, fmt.Errorf("%w: read usage for %s: %v", ledger.ErrStoreRead, clientID, err)
	}

	// Replaying: a replay failure is a hard error; no writes are attempted.
	replayer := &ledger.Replayer{Rules: r.rules, UsageWindow: ledger.CurrentYear(started)}
	result, err := replayer.Replay(ops, clientID)
	if err != nil {
		return report, err
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	// Comparing.
	report.Drift = r.detector.Detect(result.Balances, stored)
	report.UsageDrift = r.detector.DetectUsage(result.Usage, storedUsage)

	if report.NoDrift() || !apply {
		report.Duration = r.now().Sub(started)
		r.recordRun(ctx, report)
		return report, nil
	}

	// Correcting.
	err = r.applyCorrections(ctx, clientID, &report, result)
	report.Applied = err == nil
	report.Duration = r.now().Sub(started)
	r.recordRun(ctx, report)
	return report, err
}

// applyCorrections writes the replayed balances for each drifting currency
// plus the recomputed usage. All writes for one client are one logical unit:
// an atomic store applies them in a single transaction, otherwise writes go
// per currency and the failed subset is reported distinctly from success.
func (r *Reconciler) applyCorrections(ctx context.Context, clientID ledger.ClientID, report *Report, result ledger.ReplayResult) error {
	corrections := make(map[ledger.CurrencyCode]ledger.Money, len(report.Drift))
	for _, entry := range report.Drift {
		corrections[entry.Currency] = entry.Computed
	}

	if atomic, ok := r.wallets.(ledger.AtomicWalletStore); ok {
		if err := atomic.WriteAll(ctx, clientID, corrections, result.Usage); err != nil {
			return &ledger.PartialWriteError{
				ClientID: clientID,
				Failed:   sortedCurrencies(corrections),
				Err:      err,
			}
		}
		return nil
	}

	var applied, failed []ledger.CurrencyCode
	var firstErr error
	for _, c := range sortedCurrencies(corrections) {
		// Aborting mid-correction must surface exactly which currencies
		// were updated, never be swallowed.
		if err := ctx.Err(); err != nil {
			failed = append(failed, c)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.wallets.WriteWallet(ctx, clientID, corrections[c]); err != nil {
			failed = append(failed, c)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied = append(applied, c)
	}

	if firstErr == nil {
		if err := r.wallets.WriteUsage(ctx, clientID, result.Usage); err != nil {
			firstErr = fmt.Errorf("write usage: %w", err)
		}
	}

	if firstErr != nil {
		report.PartialFailures = failed
		return &ledger.PartialWriteError{
			ClientID: clientID,
			Applied:  applied,
			Failed:   failed,
			Err:      firstErr,
		}
	}
	return nil
}

// DeleteOperation applies the reversal of one operation to stored balances
// and usage, then marks the record soft-deleted. This is the deletion
// workflow of the execution path: it avoids a full replay while staying
// algebraically identical to one.
func (r *Reconciler) DeleteOperation(ctx context.Context, id ledger.OperationID) (map[ledger.CurrencyCode]ledger.Money, error) {
	op, err := r.ops.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	reversal := ledger.ReversalEngine{Rules: r.rules}
	effects, err := reversal.Reverse(op)
	if err != nil {
		return nil, err
	}

	// Group the reversal by affected client. A transfer touches both the
	// source and destination clients' wallets.
	byClient := make(map[ledger.ClientID]map[ledger.CurrencyCode]ledger.Money)
	usageDelta := decimal.Zero
	for _, eff := range effects {
		wallets, ok := byClient[eff.ClientID]
		if !ok {
			wallets = make(map[ledger.CurrencyCode]ledger.Money)
			byClient[eff.ClientID] = wallets
		}
		current := wallets[eff.Currency]
		if current.Currency == "" {
			current = ledger.Zero(eff.Currency)
		}
		wallets[eff.Currency] = ledger.Money{Amount: current.Amount.Add(eff.Delta), Currency: eff.Currency}
		usageDelta = usageDelta.Add(eff.Usage)
	}

	// The stored usage counter only covers the current annual window, so an
	// operation outside it never contributed and its reversal must not
	// subtract. This keeps the reversal equal to replay-without-the-record.
	if !ledger.CurrentYear(r.now()).Contains(op.CreatedAt) {
		usageDelta = decimal.Zero
	}

	deltas := make(map[ledger.CurrencyCode]ledger.Money)
	for clientID, walletDeltas := range byClient {
		if err := r.applyReversal(ctx, clientID, walletDeltas, usageDeltaFor(clientID, op, usageDelta)); err != nil {
			return nil, err
		}
		if clientID == op.ClientID {
			deltas = walletDeltas
		}
	}

	// The reversal writes and the tombstone are separate store calls. A
	// failure between them leaves stored state ahead of the still-live
	// record; the next reconciliation run detects exactly that drift and
	// corrects it.
	if err := r.ops.MarkDeleted(ctx, id, r.now()); err != nil {
		return nil, err
	}

	log.Printf("[reconcile] reversed operation %s for client %s (%d wallet deltas)",
		id, op.ClientID, len(deltas))
	return deltas, nil
}

// usageDeltaFor returns the usage adjustment owed to a client by the
// reversal. Usage always accrues to the operating client, never the
// transfer destination.
func usageDeltaFor(clientID ledger.ClientID, op ledger.OperationRecord, delta decimal.Decimal) decimal.Decimal {
	if clientID != op.ClientID {
		return decimal.Zero
	}
	return delta
}

// applyReversal adds the reversal deltas to one client's stored balances and
// usage, atomically when the store allows it.
func (r *Reconciler) applyReversal(ctx context.Context, clientID ledger.ClientID, deltas map[ledger.CurrencyCode]ledger.Money, usageDelta decimal.Decimal) error {
	stored, err := r.wallets.ReadWallets(ctx, clientID)
	if err != nil {
		return fmt.Errorf("%w: read wallets for %s: %v", ledger.ErrStoreRead, clientID, err)
	}
	storedUsage, err := r.wallets.ReadUsage(ctx, clientID)
	if err != nil {
		return fmt.Errorf("%w: read usage for %s: %v", ledger.ErrStoreRead, clientID, err)
	}

	updated := make(map[ledger.CurrencyCode]ledger.Money, len(deltas))
	for c, delta := range deltas {
		current, ok := stored[c]
		if !ok {
			current = ledger.Zero(c)
		}
		sum, err := current.Add(delta)
		if err != nil {
			return err
		}
		updated[c] = sum
	}
	newUsage := ledger.Money{Amount: storedUsage.Amount.Add(usageDelta), Currency: storedUsage.Currency}
	if newUsage.Currency == "" {
		newUsage.Currency = r.rules.Reference
	}

	if atomic, ok := r.wallets.(ledger.AtomicWalletStore); ok {
		return atomic.WriteAll(ctx, clientID, updated, newUsage)
	}

	var applied, failed []ledger.CurrencyCode
	var firstErr error
	for _, c := range sortedCurrencies(updated) {
		if err := r.wallets.WriteWallet(ctx, clientID, updated[c]); err != nil {
			failed = append(failed, c)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied = append(applied, c)
	}
	if firstErr == nil {
		firstErr = r.wallets.WriteUsage(ctx, clientID, newUsage)
		if firstErr != nil {
			firstErr = fmt.Errorf("write usage: %w", firstErr)
		}
	}
	if firstErr != nil {
		return &ledger.PartialWriteError{ClientID: clientID, Applied: applied, Failed: failed, Err: firstErr}
	}
	return nil
}

func sortedCurrencies(m map[ledger.CurrencyCode]ledger.Money) []ledger.CurrencyCode {
	codes := make([]ledger.CurrencyCode, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

func (r *Reconciler) recordRun(ctx context.Context, report Report) {
	if r.runs == nil {
		return
	}
	if err := r.runs.RecordRun(ctx, RunFromReport(report)); err != nil {
		log.Printf("[reconcile] WARNING: failed to record run for %s: %v", report.ClientID, err)
	}
}
