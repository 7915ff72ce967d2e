package handler

import (
	"net/http"

	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
)

// AdminHandler fronts the `/admin/eft-deposits/...` routes (spec §6.1).
type AdminHandler struct {
	deposits *deposit.Service
	metrics  *monitor.Metrics
}

func NewAdminHandler(deposits *deposit.Service, metrics *monitor.Metrics) *AdminHandler {
	return &AdminHandler{deposits: deposits, metrics: metrics}
}

// ListEFT handles GET /admin/eft-deposits — every sponsor's submissions.
func (h *AdminHandler) ListEFT(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, "admin"); err != nil {
		writeError(w, err)
		return
	}
	opts, err := pageOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status := deposit.Status(r.URL.Query().Get("status"))
	items, next, err := h.deposits.ListAll(r.Context(), status, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": encodeCursor(next)})
}

type approveRequest struct {
	ApprovedAmountCents int64  `json:"approved_amount_cents"`
	IdempotencyKey      string `json:"idempotency_key"`
}

// Approve handles POST /admin/eft-deposits/{id}/approve.
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request, depositID string) {
	p, err := requireRole(r, "admin")
	if err != nil {
		writeError(w, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	notification, balance, err := h.deposits.Approve(r.Context(), depositID, req.ApprovedAmountCents, p.ID, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordDepositApproved()
	writeJSON(w, http.StatusOK, map[string]any{"deposit": notification, "sponsor_balance_cents": balance})
}

type rejectRequest struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Reject handles POST /admin/eft-deposits/{id}/reject.
func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request, depositID string) {
	if _, err := requireRole(r, "admin"); err != nil {
		writeError(w, err)
		return
	}
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" {
		writeError(w, apperr.New(apperr.BadInput, "reason is required"))
		return
	}
	notification, err := h.deposits.Reject(r.Context(), depositID, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordDepositRejected()
	writeJSON(w, http.StatusOK, notification)
}
