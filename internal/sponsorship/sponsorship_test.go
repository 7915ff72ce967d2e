package sponsorship

import (
	"context"
	"testing"
	"time"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/lot"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/store/memstore"
)

func newTestService(t *testing.T) (*Service, *deposit.Service) {
	t.Helper()
	adapter := memstore.New()
	clk := clock.NewSequence(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lg := ledger.New(adapter, clk)
	agg := aggregate.New(adapter)
	lots := lot.New(adapter, clk)
	idempo := idempotency.New(adapter, clk, 14*24*time.Hour)
	dep := deposit.New(adapter, lg, agg, idempo, clk)
	return New(adapter, lg, agg, lots, dep, idempo, clk), dep
}

func TestAllocateRequiresLink(t *testing.T) {
	s, dep := newTestService(t)
	ctx := context.Background()

	if _, err := dep.TopUp(ctx, "sp1", 1_000_00); err != nil {
		t.Fatalf("topup: %v", err)
	}
	entries := []CategoryAmount{{Category: money.CategoryTuition, AmountCents: 500_00}}
	if _, err := s.Allocate(ctx, "sp1", "st1", entries, "alloc-1"); err == nil {
		t.Fatal("expected allocate to fail for an unlinked student")
	}
}

func TestAllocateRejectsInsufficientCredit(t *testing.T) {
	s, dep := newTestService(t)
	ctx := context.Background()

	if err := s.Link(ctx, "sp1", "st1", ""); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := dep.TopUp(ctx, "sp1", 100_00); err != nil {
		t.Fatalf("topup: %v", err)
	}
	entries := []CategoryAmount{{Category: money.CategoryTuition, AmountCents: 500_00}}
	if _, err := s.Allocate(ctx, "sp1", "st1", entries, "alloc-1"); err == nil {
		t.Fatal("expected insufficient credit error")
	}
}

func TestAllocateIsIdempotentOnReplay(t *testing.T) {
	s, dep := newTestService(t)
	ctx := context.Background()

	if err := s.Link(ctx, "sp1", "st1", ""); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := dep.TopUp(ctx, "sp1", 1_000_00); err != nil {
		t.Fatalf("topup: %v", err)
	}
	entries := []CategoryAmount{{Category: money.CategoryTuition, AmountCents: 500_00}}

	first, err := s.Allocate(ctx, "sp1", "st1", entries, "alloc-key")
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	second, err := s.Allocate(ctx, "sp1", "st1", entries, "alloc-key")
	if err != nil {
		t.Fatalf("replay allocate: %v", err)
	}
	if len(first.Budgets) != 1 || len(second.Budgets) != 1 {
		t.Fatalf("expected one budget summary each, got %d and %d", len(first.Budgets), len(second.Budgets))
	}
	if first.Budgets[0].AllocatedTotalCents != second.Budgets[0].AllocatedTotalCents {
		t.Fatalf("replay must not double-allocate: %+v vs %+v", first.Budgets[0], second.Budgets[0])
	}

	balance, err := dep.Balance(ctx, "sp1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 500_00 {
		t.Fatalf("expected 500_00 remaining after one real allocation, got %d", balance)
	}
}

func TestLinkIsIdempotentOnReplayKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Link(ctx, "sp1", "st1", "link-key"); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := s.Link(ctx, "sp1", "st1", "link-key"); err != nil {
		t.Fatalf("replay link: %v", err)
	}

	linked, err := s.linked(ctx, "sp1", "st1")
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	if !linked {
		t.Fatal("expected sponsor and student to be linked")
	}
}

func TestLegacyCreateSponsorshipDoesNotTouchBalance(t *testing.T) {
	s, dep := newTestService(t)
	ctx := context.Background()

	if _, err := dep.TopUp(ctx, "sp1", 100_00); err != nil {
		t.Fatalf("topup: %v", err)
	}
	fee, err := s.LegacyCreateSponsorship(ctx, "sp1", "st1")
	if err != nil {
		t.Fatalf("legacy create sponsorship: %v", err)
	}
	if fee != legacyFixedFeeCents {
		t.Fatalf("expected the fixed legacy fee, got %d", fee)
	}

	balance, err := dep.Balance(ctx, "sp1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100_00 {
		t.Fatalf("expected the legacy path to leave the sponsor balance untouched, got %d", balance)
	}
}

func TestReverseLIFODrainsNewestLotFirst(t *testing.T) {
	s, dep := newTestService(t)
	ctx := context.Background()

	if err := s.Link(ctx, "sp1", "st1", ""); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := dep.TopUp(ctx, "sp1", 1_000_00); err != nil {
		t.Fatalf("topup: %v", err)
	}
	entries1 := []CategoryAmount{{Category: money.CategoryTuition, AmountCents: 300_00}}
	if _, err := s.Allocate(ctx, "sp1", "st1", entries1, "alloc-1"); err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	entries2 := []CategoryAmount{{Category: money.CategoryTuition, AmountCents: 200_00}}
	if _, err := s.Allocate(ctx, "sp1", "st1", entries2, "alloc-2"); err != nil {
		t.Fatalf("allocate 2: %v", err)
	}

	result, err := s.Reverse(ctx, "sp1", "st1", []CategoryAmount{{Category: money.CategoryTuition, AmountCents: 200_00}}, "reverse-1")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if len(result.Budgets) != 1 || result.Budgets[0].AllocatedTotalCents != 300_00 {
		t.Fatalf("expected allocated total to drop back to 300_00, got %+v", result.Budgets)
	}

	takes, err := s.lots.PlanFIFO(ctx, "st1", string(money.CategoryTuition), 1_000_00)
	if err != nil {
		t.Fatalf("plan fifo: %v", err)
	}
	if len(takes) != 1 || takes[0].AmountCents != 300_00 {
		t.Fatalf("expected only the older 300_00 lot to remain after the newer one was drained, got %+v", takes)
	}
}
