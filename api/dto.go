/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/cambio/ledger-engine/ledger"
	"github.com/cambio/ledger-engine/reconcile"
)

// MoneyDTO carries an amount as a decimal string to keep precision across
// the wire.
type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(m ledger.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Amount.String(), Currency: string(m.Currency)}
}

// OperationDTO represents one operation log record.
type OperationDTO struct {
	ID                  string  `json:"id"`
	ClientID            string  `json:"client_id"`
	Type                string  `json:"type"`
	Side                string  `json:"side,omitempty"`
	SourceCurrency      string  `json:"source_currency,omitempty"`
	TargetCurrency      string  `json:"target_currency,omitempty"`
	SourceAmount        string  `json:"source_amount"`
	TargetAmount        string  `json:"target_amount"`
	DestinationClientID string  `json:"destination_client_id,omitempty"`
	CreatedAt           string  `json:"created_at"`
	IsDeleted           bool    `json:"is_deleted"`
	DeletedAt           *string `json:"deleted_at,omitempty"`
}

func toOperationDTO(op ledger.OperationRecord) OperationDTO {
	dto := OperationDTO{
		ID:                  string(op.ID),
		ClientID:            string(op.ClientID),
		Type:                string(op.Type),
		Side:                string(op.Side),
		SourceCurrency:      string(op.SourceCurrency),
		TargetCurrency:      string(op.TargetCurrency),
		SourceAmount:        op.SourceAmount.String(),
		TargetAmount:        op.TargetAmount.String(),
		DestinationClientID: string(op.DestinationClientID),
		CreatedAt:           op.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsDeleted:           op.IsDeleted,
	}
	if op.DeletedAt != nil {
		s := op.DeletedAt.UTC().Format(time.RFC3339Nano)
		dto.DeletedAt = &s
	}
	return dto
}

// CreateOperationRequest is the request to append an operation to the log.
type CreateOperationRequest struct {
	ID                  string `json:"id"`
	ClientID            string `json:"client_id"`
	Type                string `json:"type"`
	Side                string `json:"side,omitempty"`
	SourceCurrency      string `json:"source_currency,omitempty"`
	TargetCurrency      string `json:"target_currency,omitempty"`
	SourceAmount        string `json:"source_amount,omitempty"`
	TargetAmount        string `json:"target_amount,omitempty"`
	DestinationClientID string `json:"destination_client_id,omitempty"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// DriftEntryDTO reports one drifting currency.
type DriftEntryDTO struct {
	Currency string   `json:"currency"`
	Stored   MoneyDTO `json:"stored"`
	Computed MoneyDTO `json:"computed"`
	Delta    MoneyDTO `json:"delta"`
}

func toDriftEntryDTO(e ledger.DriftEntry) DriftEntryDTO {
	return DriftEntryDTO{
		Currency: string(e.Currency),
		Stored:   toMoneyDTO(e.Stored),
		Computed: toMoneyDTO(e.Computed),
		Delta:    toMoneyDTO(e.Delta),
	}
}

// ReportDTO is the outcome of one reconciliation run.
type ReportDTO struct {
	ClientID        string          `json:"client_id"`
	Drift           []DriftEntryDTO `json:"drift"`
	UsageDrift      *DriftEntryDTO  `json:"usage_drift,omitempty"`
	Applied         bool            `json:"applied"`
	PartialFailures []string        `json:"partial_failures,omitempty"`
	RanAt           string          `json:"ran_at"`
	DurationMS      int64           `json:"duration_ms"`
}

func toReportDTO(r reconcile.Report) ReportDTO {
	dto := ReportDTO{
		ClientID:   string(r.ClientID),
		Drift:      make([]DriftEntryDTO, 0, len(r.Drift)),
		Applied:    r.Applied,
		RanAt:      r.RanAt.UTC().Format(time.RFC3339Nano),
		DurationMS: r.Duration.Milliseconds(),
	}
	for _, e := range r.Drift {
		dto.Drift = append(dto.Drift, toDriftEntryDTO(e))
	}
	if r.UsageDrift != nil {
		u := toDriftEntryDTO(*r.UsageDrift)
		dto.UsageDrift = &u
	}
	for _, c := range r.PartialFailures {
		dto.PartialFailures = append(dto.PartialFailures, string(c))
	}
	return dto
}

// BatchResultDTO aggregates a batch run.
type BatchResultDTO struct {
	Reports []ReportDTO       `json:"reports"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// BalancesDTO shows stored vs replayed state for one client.
type BalancesDTO struct {
	ClientID string              `json:"client_id"`
	Stored   map[string]MoneyDTO `json:"stored"`
	Computed map[string]MoneyDTO `json:"computed"`
	Usage    MoneyDTO            `json:"usage"`
}

// ReversalDTO reports the wallet deltas applied when deleting an operation.
type ReversalDTO struct {
	OperationID string              `json:"operation_id"`
	Deltas      map[string]MoneyDTO `json:"deltas"`
}

// RunDTO is one persisted reconciliation run.
type RunDTO struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	DriftCount      int    `json:"drift_count"`
	UsageDrifted    bool   `json:"usage_drifted"`
	Applied         bool   `json:"applied"`
	PartialFailures int    `json:"partial_failures"`
	RanAt           string `json:"ran_at"`
	DurationMS      int64  `json:"duration_ms"`
}

func toRunDTO(r reconcile.RunRecord) RunDTO {
	return RunDTO{
		ID:              r.ID,
		ClientID:        string(r.ClientID),
		DriftCount:      r.DriftCount,
		UsageDrifted:    r.UsageDrifted,
		Applied:         r.Applied,
		PartialFailures: r.PartialFailures,
		RanAt:           r.RanAt.UTC().Format(time.RFC3339Nano),
		DurationMS:      r.Duration.Milliseconds(),
	}
}
