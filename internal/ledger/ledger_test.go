package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
	"github.com/kubomarket/sponsorship-ledger/internal/store/memstore"
)

func TestAppendAndSumApprovedDeposits(t *testing.T) {
	adapter := memstore.New()
	clk := clock.NewSequence(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(adapter, clk)
	ctx := context.Background()

	entries := []Entry{
		{Partition: "SPONSOR#sp1", Type: DepositApproved, AmountCents: 500_00, SponsorID: "sp1"},
		{Partition: "SPONSOR#sp1", Type: DepositRejected, AmountCents: 300_00, SponsorID: "sp1"},
		{Partition: "SPONSOR#sp1", Type: DepositApproved, AmountCents: 200_00, SponsorID: "sp1"},
	}
	for _, e := range entries {
		if err := l.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	total, err := l.SumApprovedDeposits(ctx, "SPONSOR#sp1")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total != 700_00 {
		t.Fatalf("expected only approved deposits summed to 700_00, got %d", total)
	}
}

func TestListReturnsEntriesNewestFirstByDefault(t *testing.T) {
	adapter := memstore.New()
	clk := clock.NewSequence(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(adapter, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Append(ctx, Entry{Partition: "STUDENT#st1", Type: Allocation, AmountCents: int64(i + 1)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, _, err := l.List(ctx, "STUDENT#st1", store.QueryOptions{Forward: false, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].AmountCents != 3 {
		t.Fatalf("expected newest entry first (amount 3), got %d", entries[0].AmountCents)
	}
}
