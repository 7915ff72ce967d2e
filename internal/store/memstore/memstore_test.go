package memstore

import (
	"context"
	"testing"

	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

func TestPutConditionAndGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	item := store.Item{Pk: "SPONSOR#sp1", Sk: "METADATA", Attrs: map[string]any{"name": "acme"}}
	if err := s.Put(ctx, item, store.PutOptions{Condition: store.NotExists()}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := s.Put(ctx, item, store.PutOptions{Condition: store.NotExists()}); err == nil {
		t.Fatal("expected second NotExists put to fail")
	}

	got, err := s.Get(ctx, "SPONSOR#sp1", "METADATA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Attrs["name"] != "acme" {
		t.Fatalf("expected round-tripped item, got %+v", got)
	}
}

func TestUpdateRequiresExistenceUnlessCreateIfAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Update(ctx, "STUDENT#st1", "LOT#1", func(item *store.Item) error {
		item.Attrs["remaining_cents"] = int64(100)
		return nil
	}, store.UpdateOptions{})
	if err == nil {
		t.Fatal("expected update on an absent item without CreateIfAbsent to fail")
	}

	err = s.Update(ctx, "STUDENT#st1", "LOT#1", func(item *store.Item) error {
		item.Attrs["remaining_cents"] = int64(100)
		return nil
	}, store.UpdateOptions{CreateIfAbsent: true})
	if err != nil {
		t.Fatalf("expected create-if-absent update to succeed, got %v", err)
	}

	got, _ := s.Get(ctx, "STUDENT#st1", "LOT#1")
	if got == nil || got.Attrs["remaining_cents"] != int64(100) {
		t.Fatalf("expected seeded item, got %+v", got)
	}
}

func TestQueryOrdersByDirectionAndPaginates(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		item := store.Item{Pk: "STUDENT#st1", Sk: "SPEND#" + string(rune('0'+i)), Attrs: map[string]any{}}
		if err := s.Put(ctx, item, store.PutOptions{}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	page, err := s.Query(ctx, "STUDENT#st1", "SPEND#", store.QueryOptions{Forward: true, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a 2-item page with a continuation cursor, got %+v", page)
	}

	next, err := s.Query(ctx, "STUDENT#st1", "SPEND#", store.QueryOptions{Forward: true, Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("query page 2: %v", err)
	}
	if len(next.Items) != 2 {
		t.Fatalf("expected second page of 2 items, got %d", len(next.Items))
	}
	if next.Items[0].Sk <= page.Items[len(page.Items)-1].Sk {
		t.Fatalf("expected ascending continuation, got %s after %s", next.Items[0].Sk, page.Items[len(page.Items)-1].Sk)
	}
}

func TestQueryIndexDegradesToScanWhenIndexDisabled(t *testing.T) {
	s := New()
	s.DisableIndex(store.GSI2)
	ctx := context.Background()

	item := store.Item{
		Pk: "MERCHANT#m1", Sk: "TX#1", Attrs: map[string]any{},
		GSI2PK: "MERCHANT#m1", GSI2SK: "TX#1",
	}
	if err := s.Put(ctx, item, store.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if s.IndexAvailable(store.GSI2) {
		t.Fatal("expected GSI2 to report unavailable")
	}
	page, err := s.QueryIndex(ctx, store.GSI2, "MERCHANT#m1", "TX#", store.QueryOptions{Forward: true, Limit: 10})
	if err != nil {
		t.Fatalf("query index: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected the degraded scan to still find the row, got %d", len(page.Items))
	}
}

func TestTransactWriteIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()

	seed := store.Item{Pk: "SPONSOR#sp1", Sk: "AGGREGATE", Attrs: map[string]any{"approved_total_cents": int64(500)}}
	if err := s.Put(ctx, seed, store.PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ops := []store.Op{
		{Type: store.OpPut, Pk: "STUDENT#st1", Sk: "LOT#1", Item: store.Item{Pk: "STUDENT#st1", Sk: "LOT#1", Attrs: map[string]any{}}},
		{
			Type:      store.OpUpdate,
			Pk:        "SPONSOR#sp1",
			Sk:        "AGGREGATE",
			Condition: store.AttrGTE("approved_total_cents", 1_000),
			Mutate: func(item *store.Item) error {
				item.Attrs["approved_total_cents"] = int64(0)
				return nil
			},
		},
	}
	if err := s.TransactWrite(ctx, ops); err == nil {
		t.Fatal("expected the batch to fail because the second op's condition fails")
	}

	if got, _ := s.Get(ctx, "STUDENT#st1", "LOT#1"); got != nil {
		t.Fatal("expected the first op's write to be rolled back when the batch fails")
	}
}

func TestTransactWriteRejectsOversizedBatch(t *testing.T) {
	s := New()
	ops := make([]store.Op, store.MaxTransactOps+1)
	for i := range ops {
		ops[i] = store.Op{Type: store.OpPut, Item: store.Item{Pk: "P", Sk: "S", Attrs: map[string]any{}}}
	}
	if err := s.TransactWrite(context.Background(), ops); err == nil {
		t.Fatal("expected a batch over MaxTransactOps to be rejected")
	}
}
