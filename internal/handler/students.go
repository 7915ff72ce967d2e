package handler

import (
	"net/http"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

// StudentHandler fronts every `/students/{id}/...` route (spec §6.1).
type StudentHandler struct {
	transactions *transaction.Engine
	aggregates   *aggregate.Store
	metrics      *monitor.Metrics
}

func NewStudentHandler(transactions *transaction.Engine, aggregates *aggregate.Store, metrics *monitor.Metrics) *StudentHandler {
	return &StudentHandler{transactions: transactions, aggregates: aggregates, metrics: metrics}
}

type prepareRequest struct {
	MerchantID     string `json:"merchant_id"`
	Category       string `json:"category"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Prepare handles POST /students/{id}/transactions/prepare.
func (h *StudentHandler) Prepare(w http.ResponseWriter, r *http.Request, studentID string) {
	if _, err := requireRoleSelf(r, "student", studentID); err != nil {
		writeError(w, err)
		return
	}
	var req prepareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var category money.Category
	if req.Category != "" {
		canon, ok := money.Canonicalize(req.Category)
		if !ok {
			writeError(w, apperr.New(apperr.BadInput, "unknown category: "+req.Category))
			return
		}
		category = canon
	}
	pending, err := h.transactions.Prepare(r.Context(), studentID, req.MerchantID, category, req.AmountCents, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordTransactionPrepared()
	writeJSON(w, http.StatusCreated, pending)
}

type confirmRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// Confirm handles POST /students/{id}/transactions/{tx}/confirm.
func (h *StudentHandler) Confirm(w http.ResponseWriter, r *http.Request, studentID, txID string) {
	if _, err := requireRoleSelf(r, "student", studentID); err != nil {
		writeError(w, err)
		return
	}
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	outcome, err := h.transactions.Confirm(r.Context(), studentID, txID, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcome.ReconfirmRequired {
		h.metrics.RecordReconfirmRequired()
		writeJSON(w, http.StatusConflict, map[string]any{
			"reconfirm_required": true,
			"pending":            outcome.Pending,
		})
		return
	}
	h.metrics.RecordTransactionConfirmed()
	writeJSON(w, http.StatusOK, outcome.Final)
}

// Balance handles GET /students/{id}/balance — the aggregated view across
// every sponsor and category.
func (h *StudentHandler) Balance(w http.ResponseWriter, r *http.Request, studentID string) {
	if _, err := requireRoleSelf(r, "student", studentID); err != nil {
		writeError(w, err)
		return
	}
	budgets, err := h.aggregates.ListAllBudgets(r.Context(), studentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var allocated, used int64
	byCategory := map[money.Category]int64{}
	for _, b := range budgets {
		allocated += b.AllocatedTotalCents
		used += b.UsedTotalCents
		byCategory[money.Category(b.Category)] += b.Available()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allocated_total_cents": allocated,
		"used_total_cents":      used,
		"available_total_cents": allocated - used,
		"by_category":           byCategory,
	})
}

// Budgets handles GET /students/{id}/budgets — the cross-sponsor rollup.
func (h *StudentHandler) Budgets(w http.ResponseWriter, r *http.Request, studentID string) {
	if _, err := requireRoleSelf(r, "student", studentID); err != nil {
		writeError(w, err)
		return
	}
	budgets, err := h.aggregates.ListAllBudgets(r.Context(), studentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

// Transactions handles GET /students/{id}/transactions — spend history.
func (h *StudentHandler) Transactions(w http.ResponseWriter, r *http.Request, studentID string) {
	if _, err := requireRoleSelf(r, "student", studentID); err != nil {
		writeError(w, err)
		return
	}
	opts, err := pageOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts.Forward = false
	items, next, err := h.transactions.ListSpends(r.Context(), studentID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": items, "next_cursor": encodeCursor(next)})
}
