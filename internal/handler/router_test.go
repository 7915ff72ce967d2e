package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/lot"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/ratelimit"
	"github.com/kubomarket/sponsorship-ledger/internal/sponsorship"
	"github.com/kubomarket/sponsorship-ledger/internal/store/memstore"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

type alwaysHealthy struct{}

func (alwaysHealthy) Probe(ctx context.Context) error { return nil }

type noMerchants struct{}

func (noMerchants) GetMerchant(ctx context.Context, id string) (*transaction.Merchant, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	adapter := memstore.New()
	clk := clock.NewSequence(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lg := ledger.New(adapter, clk)
	agg := aggregate.New(adapter)
	lots := lot.New(adapter, clk)
	idempo := idempotency.New(adapter, clk, 14*24*time.Hour)
	deposits := deposit.New(adapter, lg, agg, idempo, clk)
	sponsorships := sponsorship.New(adapter, lg, agg, lots, deposits, idempo, clk)
	transactions := transaction.New(adapter, lg, agg, lots, noMerchants{}, idempo, clk, false)
	metrics := monitor.NewMetrics()

	rt := &Router{
		Sponsors:  NewSponsorHandler(deposits, sponsorships, agg, lg, metrics),
		Students:  NewStudentHandler(transactions, agg, metrics),
		Admin:     NewAdminHandler(deposits, metrics),
		Merchants: NewMerchantHandler(transactions, metrics),
		Health:    NewHealthHandler(alwaysHealthy{}, metrics),
		Limiter:   ratelimit.New(1000, time.Second),
		Metrics:   metrics,
		Clock:     clk,
		BasePath:  "/api",
	}
	return rt.Handler()
}

func bearer(role, id string) string { return "Bearer " + role + ":" + id }

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthUnauthenticated(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_TopUpRequiresSelf(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/sponsors/sp1/credits/topup", bearer("sponsor", "sp2"), map[string]int64{"amount_cents": 1000})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched principal, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/sponsors/sp1/credits/topup", bearer("sponsor", "sp1"), map[string]int64{"amount_cents": 1000})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["balance_cents"] != 1000 {
		t.Fatalf("expected balance 1000, got %d", resp["balance_cents"])
	}
}

func TestRouter_LinkAllocateAndPrepareFlow(t *testing.T) {
	h := newTestRouter(t)

	sponsorTok := bearer("sponsor", "sp1")
	studentTok := bearer("student", "st1")

	if rec := doJSON(t, h, http.MethodPost, "/api/sponsors/sp1/credits/topup", sponsorTok, map[string]int64{"amount_cents": 10_000_00}); rec.Code != http.StatusOK {
		t.Fatalf("topup: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/sponsors/sp1/students", sponsorTok, map[string]string{"student_id": "st1"}); rec.Code != http.StatusCreated {
		t.Fatalf("link: %d %s", rec.Code, rec.Body.String())
	}

	allocBody := map[string]any{
		"entries": []map[string]any{
			{"category": "tuition", "amount_cents": 5_000_00},
		},
		"idempotency_key": "alloc-1",
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/sponsors/sp1/students/st1/budgets", sponsorTok, allocBody); rec.Code != http.StatusOK {
		t.Fatalf("allocate: %d %s", rec.Code, rec.Body.String())
	}

	prepBody := map[string]any{"category": "tuition", "amount_cents": 1_000_00, "idempotency_key": "prep-1"}
	rec := doJSON(t, h, http.MethodPost, "/api/students/st1/transactions/prepare", studentTok, prepBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("prepare: %d %s", rec.Code, rec.Body.String())
	}
	var pending struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if pending.TxID == "" {
		t.Fatal("expected a tx_id from prepare")
	}

	confirmBody := map[string]any{"idempotency_key": "confirm-1"}
	rec = doJSON(t, h, http.MethodPost, "/api/students/st1/transactions/"+pending.TxID+"/confirm", studentTok, confirmBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/students/st1/balance", studentTok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_UnknownRouteNotFound(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/api/nonsense", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
