/*
drift.go - Drift detection between stored and recomputed state

PURPOSE:
  Compares the balances the operation log implies against the balances the
  wallet store currently holds, and reports every currency whose discrepancy
  exceeds the tolerance.

TOLERANCE SEMANTICS:
  A currency is reported only when abs(stored - computed) is STRICTLY
  greater than the tolerance. A delta exactly equal to the tolerance is not
  drift. Currencies present on only one side are treated as implicitly zero
  on the missing side.
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultTolerance absorbs decimal rounding noise without hiding real drift.
var DefaultTolerance = decimal.New(1, -6) // 1e-6

// DriftEntry reports one currency whose stored balance disagrees with the
// replayed balance beyond tolerance.
type DriftEntry struct {
	Currency CurrencyCode
	Stored   Money
	Computed Money

	// Delta is computed minus stored: the correction that would have to be
	// applied to the stored balance.
	Delta Money
}

// DriftDetector compares computed against stored balance maps.
type DriftDetector struct {
	Tolerance decimal.Decimal
}

func NewDriftDetector(tolerance decimal.Decimal) DriftDetector {
	return DriftDetector{Tolerance: tolerance}
}

// Detect returns the currencies drifting beyond tolerance, in stable
// currency order. Both maps may be sparse; missing entries count as zero.
func (d DriftDetector) Detect(computed, stored map[CurrencyCode]Money) []DriftEntry {
	seen := make(map[CurrencyCode]bool, len(computed)+len(stored))
	var codes []CurrencyCode
	for c := range computed {
		if !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	for c := range stored {
		if !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	var drift []DriftEntry
	for _, c := range codes {
		if entry, ok := d.compare(c, computed[c], stored[c]); ok {
			drift = append(drift, entry)
		}
	}
	return drift
}

// DetectUsage compares a single usage counter the same way Detect compares
// one currency. Returns nil when within tolerance.
func (d DriftDetector) DetectUsage(computed, stored Money) *DriftEntry {
	if entry, ok := d.compare(computed.Currency, computed, stored); ok {
		return &entry
	}
	return nil
}

func (d DriftDetector) compare(c CurrencyCode, computed, stored Money) (DriftEntry, bool) {
	// Sparse maps yield zero-value Money; normalize the currency tag.
	if computed.Currency == "" {
		computed = Zero(c)
	}
	if stored.Currency == "" {
		stored = Zero(c)
	}

	delta := computed.Amount.Sub(stored.Amount)
	if delta.Abs().LessThanOrEqual(d.Tolerance) {
		return DriftEntry{}, false
	}
	return DriftEntry{
		Currency: c,
		Stored:   stored,
		Computed: computed,
		Delta:    Money{Amount: delta, Currency: c},
	}, true
}
