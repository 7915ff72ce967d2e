package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/lot"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
	"github.com/kubomarket/sponsorship-ledger/internal/store/memstore"
)

type stubMerchants struct {
	merchants map[string]*Merchant
}

func (s *stubMerchants) GetMerchant(_ context.Context, id string) (*Merchant, error) {
	return s.merchants[id], nil
}

func newTestEngine(t *testing.T) (*Engine, store.Adapter, *lot.Store, *aggregate.Store) {
	return newTestEngineWithRestore(t, false)
}

func newTestEngineWithRestore(t *testing.T, restoreBudget bool) (*Engine, store.Adapter, *lot.Store, *aggregate.Store) {
	t.Helper()
	adapter := memstore.New()
	clk := clock.NewSequence(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lg := ledger.New(adapter, clk)
	agg := aggregate.New(adapter)
	lots := lot.New(adapter, clk)
	idempo := idempotency.New(adapter, clk, 14*24*time.Hour)
	merchants := &stubMerchants{merchants: map[string]*Merchant{
		"m1": {ID: "m1", Category: money.CategoryBooks, Status: "approved", Active: true},
	}}
	return New(adapter, lg, agg, lots, merchants, idempo, clk, restoreBudget), adapter, lots, agg
}

func seedBudget(t *testing.T, adapter store.Adapter, lots *lot.Store, studentID, sponsorID, category string, amountCents int64) {
	t.Helper()
	ctx := context.Background()
	ops := []store.Op{
		lots.CreateOp(studentID, sponsorID, category, amountCents),
		aggregate.AllocateBudgetOp(studentID, sponsorID, category, amountCents),
	}
	for _, op := range ops {
		if err := adapter.TransactWrite(ctx, []store.Op{op}); err != nil {
			t.Fatalf("seed budget: %v", err)
		}
	}
}

func TestPrepareWithExplicitCategoryComputesShortfall(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	p, err := e.Prepare(ctx, "st1", "", money.CategoryBooks, 150_00, "prep-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if p.AmountCoveredCents != 100_00 || p.AmountShortfallCents != 50_00 {
		t.Fatalf("expected covered 100_00 / shortfall 50_00, got %+v", p)
	}
}

func TestPrepareResolvesCategoryFromMerchant(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 200_00)

	p, err := e.Prepare(ctx, "st1", "m1", "", 50_00, "prep-2")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if p.Category != money.CategoryBooks {
		t.Fatalf("expected category resolved from merchant, got %s", p.Category)
	}
	if p.AmountCoveredCents != 50_00 || p.AmountShortfallCents != 0 {
		t.Fatalf("expected full coverage, got %+v", p)
	}
}

func TestConfirmHappyPathRecordsSponsorShares(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	p, err := e.Prepare(ctx, "st1", "", money.CategoryBooks, 60_00, "prep-3")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	outcome, err := e.Confirm(ctx, "st1", p.TxID, "confirm-3")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if outcome.ReconfirmRequired {
		t.Fatal("did not expect reconfirm required")
	}
	if outcome.Final.Status != StatusApproved {
		t.Fatalf("expected approved status, got %s", outcome.Final.Status)
	}

	spendItem, err := e.findSpend(ctx, "st1", p.TxID)
	if err != nil || spendItem == nil {
		t.Fatalf("expected a spend row, err=%v item=%v", err, spendItem)
	}
	shares, _ := spendItem.Attrs["sponsor_shares"].([]any)
	if len(shares) != 1 {
		t.Fatalf("expected one sponsor share, got %+v", shares)
	}
}

func TestConfirmRequiresReconfirmWhenAvailabilityDrifts(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	p, err := e.Prepare(ctx, "st1", "", money.CategoryBooks, 100_00, "prep-4")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// Drain the budget out from under the pending snapshot, simulating a
	// second spend that lands between prepare and confirm.
	if err := adapter.TransactWrite(ctx, []store.Op{aggregate.SpendBudgetOp("st1", "sp1", "Books", 100_00)}); err != nil {
		t.Fatalf("drain: %v", err)
	}

	outcome, err := e.Confirm(ctx, "st1", p.TxID, "confirm-4")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !outcome.ReconfirmRequired {
		t.Fatal("expected reconfirm required after availability drift")
	}
	if outcome.Pending.AmountCoveredCents != 0 {
		t.Fatalf("expected updated snapshot to show zero coverage, got %+v", outcome.Pending)
	}
}

func TestConfirmIsIdempotentOnReplay(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	p, err := e.Prepare(ctx, "st1", "", money.CategoryBooks, 40_00, "prep-5")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	first, err := e.Confirm(ctx, "st1", p.TxID, "confirm-5")
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := e.Confirm(ctx, "st1", p.TxID, "confirm-5")
	if err != nil {
		t.Fatalf("replay confirm: %v", err)
	}
	if first.Final.AmountCoveredCents != second.Final.AmountCoveredCents {
		t.Fatalf("expected replay to return the same cached outcome, got %+v vs %+v", first.Final, second.Final)
	}

	budget, err := aggregate.New(adapter).GetBudget(ctx, "st1", "sp1", "Books")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget.UsedTotalCents != 40_00 {
		t.Fatalf("expected the spend to be applied exactly once (used=40_00), got %d", budget.UsedTotalCents)
	}
}

func TestRefundPartialRestoresBudgetProportionally(t *testing.T) {
	e, adapter, lots, agg := newTestEngineWithRestore(t, true)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	p, err := e.Prepare(ctx, "st1", "m1", "", 100_00, "prep-6")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := e.Confirm(ctx, "st1", p.TxID, "confirm-6"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := e.Refund(ctx, "m1", p.TxID, 50_00, "partial return", "refund-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	budget, err := agg.GetBudget(ctx, "st1", "sp1", "Books")
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget.UsedTotalCents != 50_00 {
		t.Fatalf("expected used_total_cents restored down to 50_00, got %d", budget.UsedTotalCents)
	}

	tx, err := e.findMerchantTx(ctx, "m1", p.TxID)
	if err != nil || tx == nil {
		t.Fatalf("expected merchant transaction to exist, err=%v", err)
	}
	if tx.Attrs["status"] != string(StatusPartialRefunded) {
		t.Fatalf("expected partial refund status, got %v", tx.Attrs["status"])
	}
}

func TestRefundRejectsAmountAboveOriginal(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	p, err := e.Prepare(ctx, "st1", "m1", "", 40_00, "prep-7")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := e.Confirm(ctx, "st1", p.TxID, "confirm-7"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := e.Refund(ctx, "m1", p.TxID, 999_00, "too much", "refund-2"); err == nil {
		t.Fatal("expected refund above the original amount to fail")
	}
}

func TestListSpendsReturnsNewestFirst(t *testing.T) {
	e, adapter, lots, _ := newTestEngine(t)
	ctx := context.Background()
	seedBudget(t, adapter, lots, "st1", "sp1", "Books", 100_00)

	var txIDs []string
	for i := 0; i < 2; i++ {
		p, err := e.Prepare(ctx, "st1", "", money.CategoryBooks, 10_00, "")
		if err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
		txIDs = append(txIDs, p.TxID)
		if _, err := e.Confirm(ctx, "st1", p.TxID, ""); err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
	}

	spends, _, err := e.ListSpends(ctx, "st1", store.QueryOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list spends: %v", err)
	}
	if len(spends) != 2 {
		t.Fatalf("expected 2 spends, got %d", len(spends))
	}
	if spends[0].TxID != txIDs[1] || spends[1].TxID != txIDs[0] {
		t.Fatalf("expected the later spend first, got %s then %s", spends[0].TxID, spends[1].TxID)
	}
}
