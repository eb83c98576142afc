/*
runs.go - Persisted history of reconciliation runs

PURPOSE:
  Every run (report-only or correcting) leaves an audit record so operators
  can answer "when was this client last reconciled, and what did we find?".
  Recording is best-effort and never blocks or fails a reconciliation.
*/
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/cambio/ledger-engine/ledger"
)

// RunRecord summarises one reconciliation run for the audit trail.
type RunRecord struct {
	ID              string          `json:"id"`
	ClientID        ledger.ClientID `json:"client_id"`
	DriftCount      int             `json:"drift_count"`
	UsageDrifted    bool            `json:"usage_drifted"`
	Applied         bool            `json:"applied"`
	PartialFailures int             `json:"partial_failures"`
	RanAt           time.Time       `json:"ran_at"`
	Duration        time.Duration   `json:"duration"`
}

// RunStore persists run records. Append-only.
type RunStore interface {
	RecordRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// RunFromReport derives the audit record for a finished run.
func RunFromReport(report Report) RunRecord {
	run := RunRecord{
		ID:              fmt.Sprintf("run-%s-%d", report.ClientID, report.RanAt.UnixNano()),
		ClientID:        report.ClientID,
		DriftCount:      len(report.Drift),
		Applied:         report.Applied,
		PartialFailures: len(report.PartialFailures),
		RanAt:           report.RanAt,
		Duration:        report.Duration,
	}
	if report.UsageDrift != nil {
		run.UsageDrifted = true
	}
	return run
}
