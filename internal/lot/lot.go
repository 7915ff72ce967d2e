// Package lot implements the per-(student, category) allocation lot
// queue: the source of truth for spend consumption (FIFO, spec §4.8 step
// 4) and reversal (LIFO, spec §4.7 step 2-3). A lot is never deleted when
// drained — its remaining_cents simply reaches zero — so the ledger and
// lot history stay auditable (spec §3).
package lot

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

func studentPartition(studentID string) string { return "STUDENT#" + studentID }

func skPrefix(category string) string { return "ALLOT#" + category + "#" }

func sortKey(category string, clk clock.Clock) (string, string) {
	now := clk.Now()
	id := uuid.NewString()
	return fmt.Sprintf("ALLOT#%s#%s#%s", category, clock.EpochMillisPadded(now), id), id
}

// Lot mirrors one ALLOT#{category}#{ts}#{lotId} row.
type Lot struct {
	Sk              string
	SponsorID       string
	Category        string
	AmountCents     int64
	RemainingCents  int64
}

// Store wraps the adapter with the lot queue's create/query/decrement
// shapes.
type Store struct {
	adapter store.Adapter
	clock   clock.Clock
}

func New(adapter store.Adapter, clk clock.Clock) *Store {
	return &Store{adapter: adapter, clock: clk}
}

// CreateOp builds the Put for a freshly allocated lot (spec §4.6 step 5).
func (s *Store) CreateOp(studentID, sponsorID, category string, amountCents int64) store.Op {
	sk, _ := sortKey(category, s.clock)
	item := store.Item{
		Pk: studentPartition(studentID),
		Sk: sk,
		Attrs: map[string]any{
			"sponsor_id":      sponsorID,
			"category":        category,
			"amount_cents":    amountCents,
			"remaining_cents": amountCents,
		},
	}
	return store.Op{Type: store.OpPut, Pk: item.Pk, Sk: item.Sk, Item: item, Condition: store.NotExists()}
}

// listByCategory returns every lot for (student, category) in the given
// sort order, across all sponsors.
func (s *Store) listByCategory(ctx context.Context, studentID, category string, forward bool) ([]Lot, error) {
	var out []Lot
	cursor := ""
	for {
		page, err := s.adapter.Query(ctx, studentPartition(studentID), skPrefix(category), store.QueryOptions{Forward: forward, Limit: 500, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			out = append(out, toLot(it))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// PlanFIFO selects, in ascending (oldest-first) order, the lots needed to
// cover amountCents across all sponsors, for the transaction engine's
// confirm step (spec §4.8 step 4). Returns the (lot, take) pairs; their
// takes sum to less than amountCents when the lots run out, though callers
// are expected to have already bounded amountCents by availability.
func (s *Store) PlanFIFO(ctx context.Context, studentID, category string, amountCents int64) ([]Take, error) {
	lots, err := s.listByCategory(ctx, studentID, category, true)
	if err != nil {
		return nil, err
	}
	return plan(lots, amountCents), nil
}

// PlanLIFO selects, in descending (newest-first) order, lots owned by
// sponsorID with remaining_cents > 0, for reversal (spec §4.7 steps 2-3).
func (s *Store) PlanLIFO(ctx context.Context, studentID, category, sponsorID string, amountCents int64) ([]Take, error) {
	lots, err := s.listByCategory(ctx, studentID, category, false)
	if err != nil {
		return nil, err
	}
	var owned []Lot
	for _, l := range lots {
		if l.SponsorID == sponsorID && l.RemainingCents > 0 {
			owned = append(owned, l)
		}
	}
	return plan(owned, amountCents), nil
}

// Take is one lot decrement staged for a batch.
type Take struct {
	Lot         Lot
	AmountCents int64
}

func plan(lots []Lot, amountCents int64) []Take {
	var takes []Take
	remaining := amountCents
	for _, l := range lots {
		if remaining <= 0 {
			break
		}
		if l.RemainingCents <= 0 {
			continue
		}
		take := l.RemainingCents
		if take > remaining {
			take = remaining
		}
		takes = append(takes, Take{Lot: l, AmountCents: take})
		remaining -= take
	}
	return takes
}

// DecrementOp builds the conditional decrement Update for one planned
// take: remaining_cents >= take AND remaining_cents > 0 (spec §4.7 step 3,
// §4.8 step 4).
func (s *Store) DecrementOp(studentID string, t Take) store.Op {
	take := t.AmountCents
	return store.Op{
		Type: store.OpUpdate,
		Pk:   studentPartition(studentID),
		Sk:   t.Lot.Sk,
		Mutate: func(item *store.Item) error {
			addInt(item.Attrs, "remaining_cents", -take)
			return nil
		},
		Condition: store.And(store.Exists(), store.AttrGTE("remaining_cents", take), store.AttrGT("remaining_cents", 0)),
	}
}

// RestoreOp builds the conditional increment Update that credits
// remaining_cents back onto a specific lot, used when a refund restores
// budget (spec §4.9's RefundRestoresBudget option). The restore is capped
// at the lot's original amount_cents so a refund can never over-credit a
// lot beyond what was ever allocated to it.
func (s *Store) RestoreOp(studentID, lotSk string, amountCents int64) store.Op {
	return store.Op{
		Type: store.OpUpdate,
		Pk:   studentPartition(studentID),
		Sk:   lotSk,
		Mutate: func(item *store.Item) error {
			original := intAttr(item.Attrs, "amount_cents")
			restored := intAttr(item.Attrs, "remaining_cents") + amountCents
			if restored > original {
				restored = original
			}
			item.Attrs["remaining_cents"] = restored
			return nil
		},
		Condition: store.Exists(),
	}
}

func toLot(it store.Item) Lot {
	return Lot{
		Sk:             it.Sk,
		SponsorID:      stringAttr(it.Attrs, "sponsor_id"),
		Category:       stringAttr(it.Attrs, "category"),
		AmountCents:    intAttr(it.Attrs, "amount_cents"),
		RemainingCents: intAttr(it.Attrs, "remaining_cents"),
	}
}

func stringAttr(attrs map[string]any, name string) string {
	s, _ := attrs[name].(string)
	return s
}

func intAttr(attrs map[string]any, name string) int64 {
	switch n := attrs[name].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func addInt(attrs map[string]any, name string, delta int64) {
	attrs[name] = intAttr(attrs, name) + delta
}
