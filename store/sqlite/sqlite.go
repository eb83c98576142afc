/*
Package sqlite provides a SQLite-backed implementation of the store
contracts.

PURPOSE:
  Implements ledger.OperationStore, ledger.AtomicWalletStore and
  reconcile.RunStore using SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  operations:          The append-only operation log (soft-deletable)
  wallets:             One row per (client, currency) stored balance
  client_usage:        The annual-usage counter per client
  reconciliation_runs: Audit trail of reconciliation runs

IMMUTABILITY:
  Financial fields of an operation are never updated. The only UPDATE the
  operations table ever sees is the soft-delete marker.

AMOUNTS:
  Decimal amounts are stored as TEXT and parsed with shopspring/decimal.
  REAL columns would reintroduce exactly the float drift this engine exists
  to correct.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): multiple readers don't
  block, single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/cambio/ledger-engine/ledger"
	"github.com/cambio/ledger-engine/reconcile"
)

// Store implements the operation-log, wallet and run-history contracts.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection sidesteps table-lock contention between the
	// reconciler's parallel per-client runs.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Operation log (append-only, soft-deletable)
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		side TEXT NOT NULL DEFAULT '',
		source_currency TEXT NOT NULL DEFAULT '',
		target_currency TEXT NOT NULL DEFAULT '',
		source_amount TEXT NOT NULL DEFAULT '0',
		target_amount TEXT NOT NULL DEFAULT '0',
		destination_client_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_operations_client ON operations(client_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_operations_destination ON operations(destination_client_id);

	-- Stored wallet balances (the mutable cache the log is reconciled against)
	CREATE TABLE IF NOT EXISTS wallets (
		client_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (client_id, currency)
	);

	-- Annual usage counter, denominated in the reference currency
	CREATE TABLE IF NOT EXISTS client_usage (
		client_id TEXT PRIMARY KEY,
		annual_usage TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reconciliation run history
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		drift_count INTEGER NOT NULL,
		usage_drifted INTEGER NOT NULL,
		applied INTEGER NOT NULL,
		partial_failures INTEGER NOT NULL,
		ran_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_ran_at ON reconciliation_runs(ran_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// OPERATION LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, op ledger.OperationRecord) error {
	if err := op.Validate(); err != nil {
		return err
	}

	var deletedAt any
	if op.DeletedAt != nil {
		deletedAt = op.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations
			(id, client_id, operation_type, side, source_currency, target_currency,
			 source_amount, target_amount, destination_client_id, created_at, is_deleted, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(op.ID), string(op.ClientID), string(op.Type), string(op.Side),
		string(op.SourceCurrency), string(op.TargetCurrency),
		op.SourceAmount.String(), op.TargetAmount.String(),
		string(op.DestinationClientID),
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(op.IsDeleted), deletedAt,
	)
	if err != nil {
		return fmt.Errorf("append operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id ledger.OperationID) (ledger.OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, selectOperations+` WHERE id = ?`, string(id))
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return ledger.OperationRecord{}, ledger.ErrOperationNotFound
	}
	return op, err
}

func (s *Store) MarkDeleted(ctx context.Context, id ledger.OperationID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET is_deleted = 1, deleted_at = ?
		WHERE id = ? AND is_deleted = 0`,
		at.UTC().Format(time.RFC3339Nano), string(id),
	)
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either unknown or already deleted; disambiguate for the caller.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ledger.ErrOperationDeleted
	}
	return nil
}

func (s *Store) FetchOperations(ctx context.Context, clientID ledger.ClientID, includeDeleted bool) ([]ledger.OperationRecord, error) {
	query := selectOperations + ` WHERE (client_id = ? OR destination_client_id = ?)`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, string(clientID), string(clientID))
	if err != nil {
		return nil, fmt.Errorf("fetch operations for %s: %w", clientID, err)
	}
	defer rows.Close()

	var ops []ledger.OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) Clients(ctx context.Context) ([]ledger.ClientID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT client_id FROM operations
		UNION
		SELECT DISTINCT destination_client_id FROM operations WHERE destination_client_id != ''
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []ledger.ClientID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		clients = append(clients, ledger.ClientID(id))
	}
	return clients, rows.Err()
}

const selectOperations = `
	SELECT id, client_id, operation_type, side, source_currency, target_currency,
	       source_amount, target_amount, destination_client_id, created_at, is_deleted, deleted_at
	FROM operations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (ledger.OperationRecord, error) {
	var (
		op                      ledger.OperationRecord
		id, clientID, opType    string
		side, srcCur, tgtCur    string
		srcAmount, tgtAmount    string
		destClientID, createdAt string
		isDeleted               int
		deletedAt               sql.NullString
	)
	if err := row.Scan(&id, &clientID, &opType, &side, &srcCur, &tgtCur,
		&srcAmount, &tgtAmount, &destClientID, &createdAt, &isDeleted, &deletedAt); err != nil {
		return op, err
	}

	op.ID = ledger.OperationID(id)
	op.ClientID = ledger.ClientID(clientID)
	op.Type = ledger.OperationType(opType)
	op.Side = ledger.Side(side)
	op.SourceCurrency = ledger.CurrencyCode(srcCur)
	op.TargetCurrency = ledger.CurrencyCode(tgtCur)
	op.DestinationClientID = ledger.ClientID(destClientID)
	op.IsDeleted = isDeleted != 0

	var err error
	if op.SourceAmount, err = decimal.NewFromString(srcAmount); err != nil {
		return op, fmt.Errorf("operation %s: bad source amount %q: %w", id, srcAmount, err)
	}
	if op.TargetAmount, err = decimal.NewFromString(tgtAmount); err != nil {
		return op, fmt.Errorf("operation %s: bad target amount %q: %w", id, tgtAmount, err)
	}
	if op.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return op, fmt.Errorf("operation %s: bad created_at %q: %w", id, createdAt, err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return op, fmt.Errorf("operation %s: bad deleted_at %q: %w", id, deletedAt.String, err)
		}
		op.DeletedAt = &t
	}
	return op, nil
}

// =============================================================================
// WALLET / USAGE STORE
// =============================================================================

func (s *Store) ReadWallets(ctx context.Context, clientID ledger.ClientID) (map[ledger.CurrencyCode]ledger.Money, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT currency, balance FROM wallets WHERE client_id = ?`, string(clientID))
	if err != nil {
		return nil, fmt.Errorf("read wallets for %s: %w", clientID, err)
	}
	defer rows.Close()

	balances := make(map[ledger.CurrencyCode]ledger.Money)
	for rows.Next() {
		var currency, balance string
		if err := rows.Scan(&currency, &balance); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("wallet %s/%s: bad balance %q: %w", clientID, currency, balance, err)
		}
		c := ledger.CurrencyCode(currency)
		balances[c] = ledger.Money{Amount: amount, Currency: c}
	}
	return balances, rows.Err()
}

func (s *Store) ReadUsage(ctx context.Context, clientID ledger.ClientID) (ledger.Money, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT annual_usage FROM client_usage WHERE client_id = ?`, string(clientID)).Scan(&raw)
	if err == sql.ErrNoRows {
		return ledger.Zero(ledger.ReferenceCurrency), nil
	}
	if err != nil {
		return ledger.Money{}, fmt.Errorf("read usage for %s: %w", clientID, err)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return ledger.Money{}, fmt.Errorf("usage %s: bad amount %q: %w", clientID, raw, err)
	}
	return ledger.Money{Amount: amount, Currency: ledger.ReferenceCurrency}, nil
}

func (s *Store) WriteWallet(ctx context.Context, clientID ledger.ClientID, balance ledger.Money) error {
	return writeWallet(ctx, s.db, clientID, balance)
}

func (s *Store) WriteUsage(ctx context.Context, clientID ledger.ClientID, usage ledger.Money) error {
	return writeUsage(ctx, s.db, clientID, usage)
}

// WriteAll applies every wallet row plus the usage counter in one SQL
// transaction. Either the whole correction lands or none of it does.
func (s *Store) WriteAll(ctx context.Context, clientID ledger.ClientID, balances map[ledger.CurrencyCode]ledger.Money, usage ledger.Money) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin correction tx for %s: %w", clientID, err)
	}
	defer tx.Rollback()

	for _, balance := range balances {
		if err := writeWallet(ctx, tx, clientID, balance); err != nil {
			return err
		}
	}
	if err := writeUsage(ctx, tx, clientID, usage); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeWallet(ctx context.Context, db execer, clientID ledger.ClientID, balance ledger.Money) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallets (client_id, currency, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, currency) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		string(clientID), string(balance.Currency), balance.Amount.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write wallet %s/%s: %w", clientID, balance.Currency, err)
	}
	return nil
}

func writeUsage(ctx context.Context, db execer, clientID ledger.ClientID, usage ledger.Money) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO client_usage (client_id, annual_usage, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET annual_usage = excluded.annual_usage, updated_at = excluded.updated_at`,
		string(clientID), usage.Amount.String(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write usage %s: %w", clientID, err)
	}
	return nil
}

// =============================================================================
// RUN HISTORY
// =============================================================================

func (s *Store) RecordRun(ctx context.Context, run reconcile.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
			(id, client_id, drift_count, usage_drifted, applied, partial_failures, ran_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.ClientID), run.DriftCount,
		boolToInt(run.UsageDrifted), boolToInt(run.Applied), run.PartialFailures,
		run.RanAt.UTC().Format(time.RFC3339Nano), run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]reconcile.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, drift_count, usage_drifted, applied, partial_failures, ran_at, duration_ms
		FROM reconciliation_runs ORDER BY ran_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []reconcile.RunRecord
	for rows.Next() {
		var (
			run                   reconcile.RunRecord
			clientID, ranAt       string
			usageDrifted, applied int
			durationMS            int64
		)
		if err := rows.Scan(&run.ID, &clientID, &run.DriftCount, &usageDrifted,
			&applied, &run.PartialFailures, &ranAt, &durationMS); err != nil {
			return nil, err
		}
		run.ClientID = ledger.ClientID(clientID)
		run.UsageDrifted = usageDrifted != 0
		run.Applied = applied != 0
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if run.RanAt, err = time.Parse(time.RFC3339Nano, ranAt); err != nil {
			return nil, fmt.Errorf("run %s: bad ran_at %q: %w", run.ID, ranAt, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
