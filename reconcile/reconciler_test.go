package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cambio/ledger-engine/ledger"
	"github.com/cambio/ledger-engine/reconcile"
	"github.com/cambio/ledger-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) (*memory.Store, *reconcile.Reconciler) {
	t.Helper()
	store := memory.New()
	rec := reconcile.New(store, store, ledger.DefaultTolerance).WithRunStore(store)
	return store, rec
}

func seedDepositAndTrade(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	// Mid-year anchor keeps the operations inside the current annual-usage
	// window whenever the test runs.
	now := time.Date(time.Now().UTC().Year(), time.June, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-1", ClientID: "cli-1", Type: ledger.OpExternalDeposit,
		TargetCurrency: ledger.BRL, TargetAmount: dec("1000"),
		CreatedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-2", ClientID: "cli-1", Type: ledger.OpFxTrade, Side: ledger.SideBuy,
		SourceCurrency: ledger.USDT, TargetCurrency: ledger.BRL,
		SourceAmount: dec("100"), TargetAmount: dec("540"),
		CreatedAt: now.Add(-1 * time.Hour),
	}))
}

// =============================================================================
// DETECTION & CORRECTION
// =============================================================================

func TestReconcile_ReportOnly_NoWrites(t *testing.T) {
	// GIVEN: a log implying {BRL: 1540, USDT: -100} and empty stored wallets
	// WHEN: reconciling with apply=false
	// THEN: drift is reported but nothing is written

	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)
	ctx := context.Background()

	report, err := rec.Reconcile(ctx, "cli-1", false)
	require.NoError(t, err)

	assert.False(t, report.Applied)
	assert.Len(t, report.Drift, 2)
	require.NotNil(t, report.UsageDrift)
	assert.True(t, report.UsageDrift.Computed.Amount.Equal(dec("100")))

	stored, err := store.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.Empty(t, stored, "report-only run must not touch the wallet store")
}

func TestReconcile_Apply_CorrectsStoredState(t *testing.T) {
	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)
	ctx := context.Background()

	report, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Empty(t, report.PartialFailures)

	stored, err := store.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("1540")))
	assert.True(t, stored[ledger.USDT].Amount.Equal(dec("-100")))

	usage, err := store.ReadUsage(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, usage.Amount.Equal(dec("100")))
}

func TestReconcile_Idempotent(t *testing.T) {
	// Applying twice in a row with no new operations yields empty drift on
	// the second run.
	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)
	ctx := context.Background()

	first, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.False(t, first.NoDrift())

	second, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.True(t, second.NoDrift())
	assert.False(t, second.Applied, "nothing to apply on a clean run")
}

func TestReconcile_ReplayFailure_IsHardError(t *testing.T) {
	// A malformed record aborts the run before any write. The memory store
	// accepts it verbatim; validation lives in the effect rules.
	store, rec := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-bad", ClientID: "cli-1", Type: ledger.OpExternalDeposit,
		TargetCurrency: ledger.BRL, TargetAmount: dec("-5"),
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.WriteWallet(ctx, "cli-1", ledger.Money{Amount: dec("7"), Currency: ledger.BRL}))

	_, err := rec.Reconcile(ctx, "cli-1", true)
	require.Error(t, err)

	var replayErr *ledger.ReplayError
	require.ErrorAs(t, err, &replayErr)
	assert.Equal(t, ledger.OperationID("op-bad"), replayErr.OperationID)

	stored, err := store.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("7")), "no correction after a failed replay")
}

func TestReconcile_Cancelled_BeforeCorrection(t *testing.T) {
	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rec.Reconcile(ctx, "cli-1", true)
	require.ErrorIs(t, err, context.Canceled)

	stored, readErr := store.ReadWallets(context.Background(), "cli-1")
	require.NoError(t, readErr)
	assert.Empty(t, stored, "aborting before Correcting leaves no partial effects")
}

// =============================================================================
// PARTIAL WRITE FAILURES (non-transactional store)
// =============================================================================

// flakyWallets is a plain WalletStore (no WriteAll) that fails writes for
// chosen currencies. It intentionally does not embed the memory store so it
// cannot promote the atomic path.
type flakyWallets struct {
	backend *memory.Store
	failOn  map[ledger.CurrencyCode]bool
}

func (f *flakyWallets) ReadWallets(ctx context.Context, clientID ledger.ClientID) (map[ledger.CurrencyCode]ledger.Money, error) {
	return f.backend.ReadWallets(ctx, clientID)
}

func (f *flakyWallets) ReadUsage(ctx context.Context, clientID ledger.ClientID) (ledger.Money, error) {
	return f.backend.ReadUsage(ctx, clientID)
}

func (f *flakyWallets) WriteWallet(ctx context.Context, clientID ledger.ClientID, balance ledger.Money) error {
	if f.failOn[balance.Currency] {
		return fmt.Errorf("simulated write failure for %s", balance.Currency)
	}
	return f.backend.WriteWallet(ctx, clientID, balance)
}

func (f *flakyWallets) WriteUsage(ctx context.Context, clientID ledger.ClientID, usage ledger.Money) error {
	return f.backend.WriteUsage(ctx, clientID, usage)
}

func TestReconcile_PartialWrite_EnumeratesFailedCurrencies(t *testing.T) {
	// GIVEN: a store without multi-row transactions that rejects USDT writes
	// WHEN: applying a correction touching BRL and USDT
	// THEN: the failure names exactly the failed subset; BRL still landed

	backend := memory.New()
	seedDepositAndTrade(t, backend)
	wallets := &flakyWallets{backend: backend, failOn: map[ledger.CurrencyCode]bool{ledger.USDT: true}}
	rec := reconcile.New(backend, wallets, ledger.DefaultTolerance)
	ctx := context.Background()

	report, err := rec.Reconcile(ctx, "cli-1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorePartialWrite)

	var partial *ledger.PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []ledger.CurrencyCode{ledger.USDT}, partial.Failed)
	assert.Equal(t, []ledger.CurrencyCode{ledger.BRL}, partial.Applied)
	assert.Equal(t, []ledger.CurrencyCode{ledger.USDT}, report.PartialFailures)
	assert.False(t, report.Applied)

	stored, readErr := backend.ReadWallets(ctx, "cli-1")
	require.NoError(t, readErr)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("1540")))

	// Re-running retries the remainder: corrections are idempotent.
	wallets.failOn = nil
	second, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.True(t, second.Applied)

	third, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.True(t, third.NoDrift())
}

// =============================================================================
// DELETION WORKFLOW
// =============================================================================

func TestDeleteOperation_AppliesReversalAndSoftDeletes(t *testing.T) {
	// Scenario: wallets corrected to {BRL: 1540, USDT: -100}, usage 100;
	// deleting the FxTrade must leave {BRL: 1000, USDT: 0}, usage 0.

	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)

	deltas, err := rec.DeleteOperation(ctx, "op-2")
	require.NoError(t, err)
	assert.True(t, deltas[ledger.USDT].Amount.Equal(dec("100")))
	assert.True(t, deltas[ledger.BRL].Amount.Equal(dec("-540")))

	stored, err := store.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("1000")))
	assert.True(t, stored[ledger.USDT].Amount.IsZero())

	usage, err := store.ReadUsage(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, usage.Amount.IsZero())

	op, err := store.Get(ctx, "op-2")
	require.NoError(t, err)
	assert.True(t, op.IsDeleted)
	require.NotNil(t, op.DeletedAt)

	// The reversal left stored state exactly where a fresh replay puts it.
	report, err := rec.Reconcile(ctx, "cli-1", false)
	require.NoError(t, err)
	assert.True(t, report.NoDrift(), "reversal must be equivalent to replay-without")
}

func TestDeleteOperation_PriorYear_LeavesUsageAlone(t *testing.T) {
	// GIVEN: a trade dated last year, so it sits outside the annual-usage
	// window and stored usage is correctly zero after a correction
	// WHEN: deleting it
	// THEN: balances revert but usage stays zero, and a follow-up run is clean

	store, rec := newFixture(t)
	ctx := context.Background()
	lastYear := time.Date(time.Now().UTC().Year()-1, time.June, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-1", ClientID: "cli-1", Type: ledger.OpExternalDeposit,
		TargetCurrency: ledger.BRL, TargetAmount: dec("1000"),
		CreatedAt: lastYear.Add(-time.Hour),
	}))
	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-2", ClientID: "cli-1", Type: ledger.OpFxTrade, Side: ledger.SideBuy,
		SourceCurrency: ledger.USDT, TargetCurrency: ledger.BRL,
		SourceAmount: dec("100"), TargetAmount: dec("540"),
		CreatedAt: lastYear,
	}))

	first, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.Nil(t, first.UsageDrift)

	usage, err := store.ReadUsage(ctx, "cli-1")
	require.NoError(t, err)
	require.True(t, usage.Amount.IsZero(), "prior-year volume never counts")

	_, err = rec.DeleteOperation(ctx, "op-2")
	require.NoError(t, err)

	usage, err = store.ReadUsage(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, usage.Amount.IsZero(), "reversing what never counted must not subtract")

	stored, err := store.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("1000")))
	assert.True(t, stored[ledger.USDT].Amount.IsZero())

	report, err := rec.Reconcile(ctx, "cli-1", false)
	require.NoError(t, err)
	assert.True(t, report.NoDrift())
}

func TestDeleteOperation_Twice_Rejected(t *testing.T) {
	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)
	ctx := context.Background()

	_, err := rec.DeleteOperation(ctx, "op-2")
	require.NoError(t, err)

	_, err = rec.DeleteOperation(ctx, "op-2")
	assert.ErrorIs(t, err, ledger.ErrOperationDeleted)
}

func TestDeleteOperation_Transfer_RevertsBothClients(t *testing.T) {
	store, rec := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-1", ClientID: "cli-a", Type: ledger.OpExternalDeposit,
		TargetCurrency: ledger.USD, TargetAmount: dec("500"), CreatedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-2", ClientID: "cli-a", Type: ledger.OpTransfer,
		SourceCurrency: ledger.USD, TargetCurrency: ledger.USD,
		SourceAmount: dec("300"), TargetAmount: dec("300"),
		DestinationClientID: "cli-b", CreatedAt: now.Add(-1 * time.Hour),
	}))

	_, err := rec.Reconcile(ctx, "cli-a", true)
	require.NoError(t, err)
	_, err = rec.Reconcile(ctx, "cli-b", true)
	require.NoError(t, err)

	_, err = rec.DeleteOperation(ctx, "op-2")
	require.NoError(t, err)

	a, err := store.ReadWallets(ctx, "cli-a")
	require.NoError(t, err)
	b, err := store.ReadWallets(ctx, "cli-b")
	require.NoError(t, err)
	assert.True(t, a[ledger.USD].Amount.Equal(dec("500")))
	assert.True(t, b[ledger.USD].Amount.IsZero())
}

// stuckTombstoneOps fails the soft-delete marker after the reversal has
// landed, the worst-case interruption of the deletion workflow.
type stuckTombstoneOps struct {
	*memory.Store
	fail bool
}

func (s *stuckTombstoneOps) MarkDeleted(ctx context.Context, id ledger.OperationID, at time.Time) error {
	if s.fail {
		return fmt.Errorf("simulated tombstone failure")
	}
	return s.Store.MarkDeleted(ctx, id, at)
}

func TestDeleteOperation_InterruptedTombstone_HealsByReconciling(t *testing.T) {
	// GIVEN: the reversal landed but marking the record deleted failed
	// WHEN: reconciling afterwards
	// THEN: the still-live record makes the reversal show up as drift, and an
	// apply run restores consistency

	backend := memory.New()
	seedDepositAndTrade(t, backend)
	ops := &stuckTombstoneOps{Store: backend}
	rec := reconcile.New(ops, backend, ledger.DefaultTolerance)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)

	ops.fail = true
	_, err = rec.DeleteOperation(ctx, "op-2")
	require.Error(t, err)

	// Balances were reverted, the record is still live.
	op, err := backend.Get(ctx, "op-2")
	require.NoError(t, err)
	assert.False(t, op.IsDeleted)
	stored, err := backend.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("1000")))

	heal, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	assert.False(t, heal.NoDrift(), "the interrupted delete is visible as drift")
	assert.True(t, heal.Applied)

	stored, err = backend.ReadWallets(ctx, "cli-1")
	require.NoError(t, err)
	assert.True(t, stored[ledger.BRL].Amount.Equal(dec("1540")))
	assert.True(t, stored[ledger.USDT].Amount.Equal(dec("-100")))

	// With the store healthy again the delete completes end to end.
	ops.fail = false
	_, err = rec.DeleteOperation(ctx, "op-2")
	require.NoError(t, err)
	clean, err := rec.Reconcile(ctx, "cli-1", false)
	require.NoError(t, err)
	assert.True(t, clean.NoDrift())
}

func TestDeleteOperation_NotFound(t *testing.T) {
	_, rec := newFixture(t)

	_, err := rec.DeleteOperation(context.Background(), "op-missing")
	assert.True(t, errors.Is(err, ledger.ErrOperationNotFound))
}

// =============================================================================
// BATCH & RUN HISTORY
// =============================================================================

func TestReconcileAll_CoversEveryClient(t *testing.T) {
	store, rec := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, client := range []string{"cli-1", "cli-2", "cli-3"} {
		require.NoError(t, store.Append(ctx, ledger.OperationRecord{
			ID:       ledger.OperationID(fmt.Sprintf("op-%d", i)),
			ClientID: ledger.ClientID(client), Type: ledger.OpExternalDeposit,
			TargetCurrency: ledger.BRL, TargetAmount: dec("100"),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	result, err := rec.ReconcileAll(ctx, true, 2)
	require.NoError(t, err)
	require.Len(t, result.Reports, 3)
	assert.Equal(t, 3, result.Drifted())
	assert.Empty(t, result.Errors)

	// Reports come back in stable client order regardless of goroutine
	// scheduling.
	assert.Equal(t, ledger.ClientID("cli-1"), result.Reports[0].ClientID)
	assert.Equal(t, ledger.ClientID("cli-3"), result.Reports[2].ClientID)
}

func TestReconcileAll_FailedClientDoesNotBlockOthers(t *testing.T) {
	store, rec := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-good", ClientID: "cli-good", Type: ledger.OpExternalDeposit,
		TargetCurrency: ledger.BRL, TargetAmount: dec("100"), CreatedAt: now,
	}))
	require.NoError(t, store.Append(ctx, ledger.OperationRecord{
		ID: "op-bad", ClientID: "cli-bad", Type: ledger.OpExternalDeposit,
		TargetCurrency: ledger.BRL, TargetAmount: dec("-100"), CreatedAt: now,
	}))

	result, err := rec.ReconcileAll(ctx, true, 4)
	require.NoError(t, err)
	require.Len(t, result.Reports, 1)
	assert.Equal(t, ledger.ClientID("cli-good"), result.Reports[0].ClientID)
	require.Contains(t, result.Errors, ledger.ClientID("cli-bad"))
}

func TestReconcile_RecordsRunHistory(t *testing.T) {
	store, rec := newFixture(t)
	seedDepositAndTrade(t, store)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "cli-1", true)
	require.NoError(t, err)
	_, err = rec.Reconcile(ctx, "cli-1", false)
	require.NoError(t, err)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first: the clean follow-up run, then the correcting run.
	assert.Equal(t, 0, runs[0].DriftCount)
	assert.False(t, runs[0].Applied)
	assert.Equal(t, 2, runs[1].DriftCount)
	assert.True(t, runs[1].Applied)
	assert.True(t, runs[1].UsageDrifted)
}
