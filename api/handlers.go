/*
handlers.go - HTTP handlers for the reconciliation API

PURPOSE:
  Thin HTTP layer over the reconciliation engine. Handlers decode requests,
  call into reconcile/ledger, and encode responses; no balance arithmetic
  happens here.

ERROR MAPPING:
  Data errors (bad amounts, unknown currencies, unsupported types)  -> 400
  Unknown operations                                                -> 404
  Already-deleted operations                                        -> 409
  Store failures                                                    -> 502
  Everything else                                                   -> 500
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cambio/ledger-engine/ledger"
	"github.com/cambio/ledger-engine/reconcile"
)

// Handler holds the dependencies for all endpoints.
type Handler struct {
	Ops        ledger.OperationStore
	Wallets    ledger.WalletStore
	Runs       reconcile.RunStore
	Reconciler *reconcile.Reconciler
}

func NewHandler(ops ledger.OperationStore, wallets ledger.WalletStore, runs reconcile.RunStore, rec *reconcile.Reconciler) *Handler {
	return &Handler{Ops: ops, Wallets: wallets, Runs: runs, Reconciler: rec}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateOperation appends a record to the operation log.
// POST /api/operations
func (h *Handler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req CreateOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "id and client_id are required")
		return
	}

	op, err := operationFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := op.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Ops.Append(r.Context(), op); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOperationDTO(op))
}

func operationFromRequest(req CreateOperationRequest) (ledger.OperationRecord, error) {
	op := ledger.OperationRecord{
		ID:                  ledger.OperationID(req.ID),
		ClientID:            ledger.ClientID(req.ClientID),
		Side:                ledger.Side(req.Side),
		SourceCurrency:      ledger.CurrencyCode(req.SourceCurrency),
		TargetCurrency:      ledger.CurrencyCode(req.TargetCurrency),
		DestinationClientID: ledger.ClientID(req.DestinationClientID),
		CreatedAt:           time.Now().UTC(),
	}

	opType, err := ledger.ParseOperationType(req.Type)
	if err != nil {
		return op, err
	}
	op.Type = opType

	op.SourceAmount = decimal.Zero
	op.TargetAmount = decimal.Zero
	if req.SourceAmount != "" {
		if op.SourceAmount, err = decimal.NewFromString(req.SourceAmount); err != nil {
			return op, errors.New("source_amount is not a decimal")
		}
	}
	if req.TargetAmount != "" {
		if op.TargetAmount, err = decimal.NewFromString(req.TargetAmount); err != nil {
			return op, errors.New("target_amount is not a decimal")
		}
	}
	if req.CreatedAt != "" {
		if op.CreatedAt, err = time.Parse(time.RFC3339Nano, req.CreatedAt); err != nil {
			return op, errors.New("created_at is not RFC3339")
		}
	}
	return op, nil
}

// ListOperations returns a client's operation log.
// GET /api/clients/{id}/operations?include_deleted=true
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	ops, err := h.Ops.FetchOperations(r.Context(), clientID, includeDeleted)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	dtos := make([]OperationDTO, 0, len(ops))
	for _, op := range ops {
		dtos = append(dtos, toOperationDTO(op))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeleteOperation runs the deletion workflow: the operation's reversal is
// applied to stored balances and usage, then the record is soft-deleted.
// DELETE /api/operations/{id}
func (h *Handler) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	id := ledger.OperationID(chi.URLParam(r, "id"))

	deltas, err := h.Reconciler.DeleteOperation(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrOperationNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrOperationDeleted):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeStoreError(w, err)
		}
		return
	}

	dto := ReversalDTO{OperationID: string(id), Deltas: make(map[string]MoneyDTO, len(deltas))}
	for c, m := range deltas {
		dto.Deltas[string(c)] = toMoneyDTO(m)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BALANCES & RECONCILIATION
// =============================================================================

// GetBalances returns stored wallet state next to the replayed state.
// GET /api/clients/{id}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))

	ops, err := h.Ops.FetchOperations(r.Context(), clientID, false)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stored, err := h.Wallets.ReadWallets(r.Context(), clientID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	replayer := ledger.NewReplayer()
	replayer.UsageWindow = ledger.CurrentYear(time.Now())
	result, err := replayer.Replay(ops, clientID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	dto := BalancesDTO{
		ClientID: string(clientID),
		Stored:   make(map[string]MoneyDTO, len(stored)),
		Computed: make(map[string]MoneyDTO, len(result.Balances)),
		Usage:    toMoneyDTO(result.Usage),
	}
	for c, m := range stored {
		dto.Stored[string(c)] = toMoneyDTO(m)
	}
	for c, m := range result.Balances {
		dto.Computed[string(c)] = toMoneyDTO(m)
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetDrift returns the drift view for one client without touching stored
// state. Same report as a report-only reconcile.
// GET /api/clients/{id}/drift
func (h *Handler) GetDrift(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))

	report, err := h.Reconciler.Reconcile(r.Context(), clientID, false)
	if err != nil {
		var replayErr *ledger.ReplayError
		if errors.As(err, &replayErr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// ReconcileClient runs reconciliation for one client.
// POST /api/clients/{id}/reconcile?apply=true
func (h *Handler) ReconcileClient(w http.ResponseWriter, r *http.Request) {
	clientID := ledger.ClientID(chi.URLParam(r, "id"))
	apply := r.URL.Query().Get("apply") == "true"

	report, err := h.Reconciler.Reconcile(r.Context(), clientID, apply)
	if err != nil {
		var partial *ledger.PartialWriteError
		if errors.As(err, &partial) {
			// Partial success: the report enumerates what landed.
			writeJSON(w, http.StatusMultiStatus, toReportDTO(report))
			return
		}
		var replayErr *ledger.ReplayError
		if errors.As(err, &replayErr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// RunBatch reconciles every known client.
// POST /api/reconciliation/run?apply=true&parallelism=4
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	apply := r.URL.Query().Get("apply") == "true"
	parallelism := 4
	if raw := r.URL.Query().Get("parallelism"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			parallelism = n
		}
	}

	result, err := h.Reconciler.ReconcileAll(r.Context(), apply, parallelism)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	dto := BatchResultDTO{Reports: make([]ReportDTO, 0, len(result.Reports))}
	for _, report := range result.Reports {
		dto.Reports = append(dto.Reports, toReportDTO(report))
	}
	if len(result.Errors) > 0 {
		dto.Errors = make(map[string]string, len(result.Errors))
		for clientID, msg := range result.Errors {
			dto.Errors[string(clientID)] = msg
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListRuns returns the reconciliation run history, newest first.
// GET /api/reconciliation/runs?limit=50
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] WARNING: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrStoreRead), errors.Is(err, ledger.ErrStorePartialWrite):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidOperation),
		errors.Is(err, ledger.ErrUnsupportedOperationType),
		errors.Is(err, ledger.ErrUnknownCurrency):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
