package handler

import (
	"net/http"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/sponsorship"
)

// SponsorHandler fronts every `/sponsors/{id}/...` and
// `/sponsors/{s}/students/...` route (spec §6.1).
type SponsorHandler struct {
	deposits     *deposit.Service
	sponsorships *sponsorship.Service
	aggregates   *aggregate.Store
	ledger       *ledger.Ledger
	metrics      *monitor.Metrics
}

func NewSponsorHandler(deposits *deposit.Service, sponsorships *sponsorship.Service, aggregates *aggregate.Store, lg *ledger.Ledger, metrics *monitor.Metrics) *SponsorHandler {
	return &SponsorHandler{deposits: deposits, sponsorships: sponsorships, aggregates: aggregates, ledger: lg, metrics: metrics}
}

type topUpRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// TopUp handles POST /sponsors/{id}/credits/topup.
func (h *SponsorHandler) TopUp(w http.ResponseWriter, r *http.Request, sponsorID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	var req topUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	balance, err := h.deposits.TopUp(r.Context(), sponsorID, req.AmountCents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance_cents": balance})
}

// GenerateReference handles POST /sponsors/{id}/eft-deposits/reference.
func (h *SponsorHandler) GenerateReference(w http.ResponseWriter, r *http.Request, sponsorID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	ref := h.deposits.GenerateReference(sponsorID)
	writeJSON(w, http.StatusOK, map[string]string{"reference": ref})
}

type submitEFTRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitEFT handles POST /sponsors/{id}/eft-deposits.
func (h *SponsorHandler) SubmitEFT(w http.ResponseWriter, r *http.Request, sponsorID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	var req submitEFTRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := h.deposits.Submit(r.Context(), sponsorID, req.AmountCents, req.Reference, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordDepositSubmitted()
	writeJSON(w, http.StatusCreated, n)
}

// ListEFT handles GET /sponsors/{id}/eft-deposits.
func (h *SponsorHandler) ListEFT(w http.ResponseWriter, r *http.Request, sponsorID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	opts, err := pageOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status := deposit.Status(r.URL.Query().Get("status"))
	items, next, err := h.deposits.ListBySponsor(r.Context(), sponsorID, status, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": encodeCursor(next)})
}

// CreditsSummary handles GET /sponsors/{id}/credits/summary.
func (h *SponsorHandler) CreditsSummary(w http.ResponseWriter, r *http.Request, sponsorID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	agg, err := h.aggregates.GetSponsorAggregate(r.Context(), sponsorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agg == nil {
		writeJSON(w, http.StatusOK, map[string]int64{"approved_total_cents": 0, "allocated_total_cents": 0, "balance_cents": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"approved_total_cents":  agg.ApprovedTotalCents,
		"allocated_total_cents": agg.AllocatedTotalCents,
		"balance_cents":         agg.AvailableTotalCents,
	})
}

// LinkStudent handles POST /sponsors/{s}/students.
func (h *SponsorHandler) LinkStudent(w http.ResponseWriter, r *http.Request, sponsorID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		StudentID      string `json:"student_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.StudentID == "" {
		writeError(w, apperr.New(apperr.BadInput, "student_id is required"))
		return
	}
	if err := h.sponsorships.Link(r.Context(), sponsorID, req.StudentID, req.IdempotencyKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sponsor_id": sponsorID, "student_id": req.StudentID})
}

type categoryAmountRequest struct {
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
}

type allocateRequest struct {
	Entries        []categoryAmountRequest `json:"entries"`
	IdempotencyKey string                  `json:"idempotency_key"`
}

func parseEntries(raw []categoryAmountRequest) ([]sponsorship.CategoryAmount, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.BadInput, "at least one category entry is required")
	}
	out := make([]sponsorship.CategoryAmount, 0, len(raw))
	for _, e := range raw {
		canon, ok := money.Canonicalize(e.Category)
		if !ok {
			return nil, apperr.New(apperr.BadInput, "unknown category: "+e.Category)
		}
		out = append(out, sponsorship.CategoryAmount{Category: canon, AmountCents: e.AmountCents})
	}
	return out, nil
}

// Allocate handles POST /sponsors/{s}/students/{st}/budgets.
func (h *SponsorHandler) Allocate(w http.ResponseWriter, r *http.Request, sponsorID, studentID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entries, err := parseEntries(req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.sponsorships.Allocate(r.Context(), sponsorID, studentID, entries, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordAllocation()
	writeJSON(w, http.StatusOK, result)
}

// Reverse handles POST /sponsors/{s}/students/{st}/budgets/reverse.
func (h *SponsorHandler) Reverse(w http.ResponseWriter, r *http.Request, sponsorID, studentID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entries, err := parseEntries(req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.sponsorships.Reverse(r.Context(), sponsorID, studentID, entries, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.RecordReversal()
	writeJSON(w, http.StatusOK, result)
}

// ListBudgets handles GET /sponsors/{s}/students/{st}/budgets.
func (h *SponsorHandler) ListBudgets(w http.ResponseWriter, r *http.Request, sponsorID, studentID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	all, err := h.aggregates.ListAllBudgets(r.Context(), studentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var out []aggregate.Budget
	for _, b := range all {
		if b.SponsorID == sponsorID {
			out = append(out, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": out})
}

// ListLedger handles GET /sponsors/{s}/students/{st}/ledger.
func (h *SponsorHandler) ListLedger(w http.ResponseWriter, r *http.Request, sponsorID, studentID string) {
	if _, err := requireRoleSelf(r, "sponsor", sponsorID); err != nil {
		writeError(w, err)
		return
	}
	opts, err := pageOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts.Forward = false
	entries, next, err := h.ledger.List(r.Context(), "STUDENT#"+studentID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	var filtered []ledger.Entry
	for _, e := range entries {
		if e.SponsorID == sponsorID {
			filtered = append(filtered, e)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": filtered, "next_cursor": encodeCursor(next)})
}
