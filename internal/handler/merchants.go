package handler

import (
	"net/http"

	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

// MerchantHandler fronts the `/merchants/refund/{txId}` route (spec §6.1).
type MerchantHandler struct {
	transactions *transaction.Engine
	metrics      *monitor.Metrics
}

func NewMerchantHandler(transactions *transaction.Engine, metrics *monitor.Metrics) *MerchantHandler {
	return &MerchantHandler{transactions: transactions, metrics: metrics}
}

type refundRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Refund handles POST /merchants/refund/{txId}. The merchant is not named
// in the path (role is merchant=owner): the caller's own principal id is
// the merchant id, and Refund's lookup of (merchantID, txID) is itself the
// ownership check — a transaction belonging to a different merchant reads
// back NotFound.
func (h *MerchantHandler) Refund(w http.ResponseWriter, r *http.Request, txID string) {
	p, err := requireRole(r, "merchant")
	if err != nil {
		writeError(w, err)
		return
	}
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AmountCents <= 0 {
		writeError(w, apperr.New(apperr.BadInput, "amount_cents must be positive"))
		return
	}
	if err := h.transactions.Refund(r.Context(), p.ID, txID, req.AmountCents, req.Reason, req.IdempotencyKey); err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordRefund()
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}
