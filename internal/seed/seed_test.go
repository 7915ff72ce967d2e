package seed

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
	"github.com/kubomarket/sponsorship-ledger/internal/sponsorship"
	"github.com/kubomarket/sponsorship-ledger/internal/store/memstore"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

type noMerchants struct{}

func (noMerchants) GetMerchant(context.Context, string) (*transaction.Merchant, error) {
	return nil, nil
}

func newTestEnv() *Env {
	adapter := memstore.New()
	clk := clock.NewSequence(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lg := ledger.New(adapter, clk)
	agg := aggregate.New(adapter)
	lots := lot.New(adapter, clk)
	idempo := idempotency.New(adapter, clk, 14*24*time.Hour)

	deposits := deposit.New(adapter, lg, agg, idempo, clk)
	sponsorships := sponsorship.New(adapter, lg, agg, lots, deposits, idempo, clk)
	transactions := transaction.New(adapter, lg, agg, lots, noMerchants{}, idempo, clk, false)

	return &Env{Deposits: deposits, Sponsorships: sponsorships, Transactions: transactions, Aggregates: agg}
}

func TestRun_SeedsSponsorsAndDeposits(t *testing.T) {
	env := newTestEnv()
	summary, err := Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if summary.SponsorsSeeded != len(sponsorIDs) {
		t.Errorf("expected %d sponsors seeded, got %d", len(sponsorIDs), summary.SponsorsSeeded)
	}
	if summary.DepositsApproved != len(sponsorIDs)-1 {
		t.Errorf("expected %d deposits approved, got %d", len(sponsorIDs)-1, summary.DepositsApproved)
	}
	if summary.DepositsRejected != 1 {
		t.Errorf("expected 1 deposit rejected, got %d", summary.DepositsRejected)
	}
}

func TestRun_LinksAndAllocatesBudgets(t *testing.T) {
	env := newTestEnv()
	summary, err := Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	expectedLinks := (len(sponsorIDs) - 1) * 2
	if summary.StudentsLinked != expectedLinks {
		t.Errorf("expected %d students linked, got %d", expectedLinks, summary.StudentsLinked)
	}
	if summary.AllocationsApplied != expectedLinks {
		t.Errorf("expected %d allocations applied, got %d", expectedLinks, summary.AllocationsApplied)
	}
	if summary.DoubleSubmissions != expectedLinks {
		t.Errorf("expected %d idempotent replays, got %d", expectedLinks, summary.DoubleSubmissions)
	}

	budget, err := env.Aggregates.GetBudget(context.Background(), studentIDs[0], sponsorIDs[0], string(seedCategories[0]))
	if err != nil {
		t.Fatalf("read budget: %v", err)
	}
	if budget == nil {
		t.Fatal("expected a budget row to exist after allocation")
	}
	if budget.AllocatedTotalCents != 1_200_00 {
		t.Errorf("expected allocation to land exactly once despite the replay, got %d", budget.AllocatedTotalCents)
	}
}

func TestRun_ConfirmsSeedTransactions(t *testing.T) {
	env := newTestEnv()
	summary, err := Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if summary.TransactionsConfirmed != len(sponsorIDs)-1 {
		t.Errorf("expected %d confirmed transactions, got %d", len(sponsorIDs)-1, summary.TransactionsConfirmed)
	}
}

func TestRun_IsSafeToRunTwice(t *testing.T) {
	env := newTestEnv()
	if _, err := Run(context.Background(), env); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := Run(context.Background(), env); err != nil {
		t.Fatalf("second run should not error even though sponsors/students already exist: %v", err)
	}
}
