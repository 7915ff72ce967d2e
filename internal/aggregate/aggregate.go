// Package aggregate implements the denormalized counter rows that back
// O(1) balance/availability reads: the sponsor aggregate, the
// sponsor-student aggregate, and the per-(student, sponsor, category)
// budget row (spec §2 item 4, §3). Every mutation goes through the store
// adapter's conditional Update so two concurrent callers never
// read-modify-write from application memory (spec §5).
package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

const skSponsorAggregate = "AGGREGATE"

func sponsorPartition(sponsorID string) string { return "SPONSOR#" + sponsorID }
func studentPartition(studentID string) string { return "STUDENT#" + studentID }

func skSponsorStudentAggregate(sponsorID string) string { return "AGG#SPONSOR#" + sponsorID }

func skBudget(sponsorID, category string) string {
	return fmt.Sprintf("BUDGET#SPONSOR#%s#CATEGORY#%s", sponsorID, category)
}

// Store wraps the adapter with the three aggregate rows' read/update
// shapes.
type Store struct {
	adapter store.Adapter
}

func New(adapter store.Adapter) *Store {
	return &Store{adapter: adapter}
}

// SponsorAggregate mirrors the SPONSOR#{id}/AGGREGATE row.
type SponsorAggregate struct {
	ApprovedTotalCents  int64
	AllocatedTotalCents int64
	AvailableTotalCents int64
}

func (s *Store) GetSponsorAggregate(ctx context.Context, sponsorID string) (*SponsorAggregate, error) {
	item, err := s.adapter.Get(ctx, sponsorPartition(sponsorID), skSponsorAggregate)
	if err != nil || item == nil {
		return nil, err
	}
	return &SponsorAggregate{
		ApprovedTotalCents:  intAttr(item.Attrs, "approved_total_cents"),
		AllocatedTotalCents: intAttr(item.Attrs, "allocated_total_cents"),
		AvailableTotalCents: intAttr(item.Attrs, "available_total_cents"),
	}, nil
}

// SeedSponsorAggregateOp builds the attribute_not_exists Put used the first
// time a sponsor receives a credit (spec §4.4).
func SeedSponsorAggregateOp(sponsorID string) store.Op {
	item := store.Item{
		Pk: sponsorPartition(sponsorID),
		Sk: skSponsorAggregate,
		Attrs: map[string]any{
			"approved_total_cents":  int64(0),
			"allocated_total_cents": int64(0),
			"available_total_cents": int64(0),
		},
	}
	return store.Op{Type: store.OpPut, Pk: item.Pk, Sk: item.Sk, Item: item, Condition: store.NotExists()}
}

// SeedSponsorAggregate is the non-transactional equivalent of
// SeedSponsorAggregateOp, for call sites that aren't already inside a
// batch.
func (s *Store) SeedSponsorAggregate(ctx context.Context, sponsorID string) error {
	item := store.Item{
		Pk: sponsorPartition(sponsorID),
		Sk: skSponsorAggregate,
		Attrs: map[string]any{
			"approved_total_cents":  int64(0),
			"allocated_total_cents": int64(0),
			"available_total_cents": int64(0),
		},
	}
	err := s.adapter.Put(ctx, item, store.PutOptions{Condition: store.NotExists()})
	if err != nil && store.IsConditionFailed(err) {
		return nil
	}
	return err
}

// CreditApprovedOp builds the conditional arithmetic Update that credits a
// sponsor's approved+available totals by approved cents (spec §4.4 step c).
func CreditApprovedOp(sponsorID string, approvedCents int64) store.Op {
	return store.Op{
		Type: store.OpUpdate,
		Pk:   sponsorPartition(sponsorID),
		Sk:   skSponsorAggregate,
		Mutate: func(item *store.Item) error {
			addInt(item.Attrs, "approved_total_cents", approvedCents)
			addInt(item.Attrs, "available_total_cents", approvedCents)
			return nil
		},
	}
}

// AdjustSponsorAllocated updates a sponsor's allocated/available totals by delta
// (positive on allocate, negative on reverse). Not transactional with the
// sponsor-student aggregate update (spec §4.6 step 4: "independent but
// idempotent-safe").
func (s *Store) AdjustSponsorAllocated(ctx context.Context, sponsorID string, delta int64) error {
	return s.adapter.Update(ctx, sponsorPartition(sponsorID), skSponsorAggregate, func(item *store.Item) error {
		addInt(item.Attrs, "allocated_total_cents", delta)
		addInt(item.Attrs, "available_total_cents", -delta)
		return nil
	}, store.UpdateOptions{CreateIfAbsent: true})
}

// SponsorStudentAggregate mirrors STUDENT#{id}/AGG#SPONSOR#{sponsorId}.
type SponsorStudentAggregate struct {
	AllocatedTotalCents int64
}

func (s *Store) GetSponsorStudentAggregate(ctx context.Context, studentID, sponsorID string) (*SponsorStudentAggregate, error) {
	item, err := s.adapter.Get(ctx, studentPartition(studentID), skSponsorStudentAggregate(sponsorID))
	if err != nil || item == nil {
		return nil, err
	}
	return &SponsorStudentAggregate{AllocatedTotalCents: intAttr(item.Attrs, "allocated_total_cents")}, nil
}

func (s *Store) AdjustSponsorStudentAllocated(ctx context.Context, studentID, sponsorID string, delta int64) error {
	return s.adapter.Update(ctx, studentPartition(studentID), skSponsorStudentAggregate(sponsorID), func(item *store.Item) error {
		addInt(item.Attrs, "allocated_total_cents", delta)
		return nil
	}, store.UpdateOptions{CreateIfAbsent: true})
}

// Budget mirrors STUDENT#{id}/BUDGET#SPONSOR#{sponsorId}#CATEGORY#{cat}.
type Budget struct {
	SponsorID         string
	Category          string
	AllocatedTotalCents int64
	UsedTotalCents      int64
}

func (b Budget) Available() int64 { return b.AllocatedTotalCents - b.UsedTotalCents }

func (s *Store) GetBudget(ctx context.Context, studentID, sponsorID, category string) (*Budget, error) {
	item, err := s.adapter.Get(ctx, studentPartition(studentID), skBudget(sponsorID, category))
	if err != nil || item == nil {
		return nil, err
	}
	return &Budget{
		SponsorID:           sponsorID,
		Category:            category,
		AllocatedTotalCents: intAttr(item.Attrs, "allocated_total_cents"),
		UsedTotalCents:      intAttr(item.Attrs, "used_total_cents"),
	}, nil
}

// ListBudgetsByCategory returns every sponsor's budget row for
// (student, category), used by the transaction engine to sum availability
// across sponsors (spec §4.8).
func (s *Store) ListBudgetsByCategory(ctx context.Context, studentID, category string) ([]Budget, error) {
	prefix := "BUDGET#SPONSOR#"
	suffix := "#CATEGORY#" + category
	var out []Budget
	cursor := ""
	for {
		page, err := s.adapter.Query(ctx, studentPartition(studentID), prefix, store.QueryOptions{Forward: true, Limit: 500, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			if len(it.Sk) < len(suffix) || it.Sk[len(it.Sk)-len(suffix):] != suffix {
				continue
			}
			sponsorID := it.Sk[len(prefix) : len(it.Sk)-len(suffix)]
			out = append(out, Budget{
				SponsorID:           sponsorID,
				Category:            category,
				AllocatedTotalCents: intAttr(it.Attrs, "allocated_total_cents"),
				UsedTotalCents:      intAttr(it.Attrs, "used_total_cents"),
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// ListAllBudgets returns every (sponsor, category) budget row for a
// student, across every category, for the `GET /students/{id}/budgets`
// per-category rollup (spec §6.1) — callers sum by category themselves.
func (s *Store) ListAllBudgets(ctx context.Context, studentID string) ([]Budget, error) {
	prefix := "BUDGET#SPONSOR#"
	var out []Budget
	cursor := ""
	for {
		page, err := s.adapter.Query(ctx, studentPartition(studentID), prefix, store.QueryOptions{Forward: true, Limit: 500, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			rest := it.Sk[len(prefix):]
			idx := strings.Index(rest, "#CATEGORY#")
			if idx < 0 {
				continue
			}
			sponsorID := rest[:idx]
			category := rest[idx+len("#CATEGORY#"):]
			out = append(out, Budget{
				SponsorID:           sponsorID,
				Category:            category,
				AllocatedTotalCents: intAttr(it.Attrs, "allocated_total_cents"),
				UsedTotalCents:      intAttr(it.Attrs, "used_total_cents"),
			})
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// AllocateBudgetOp builds the conditional-create-or-increment Update used
// when an allocation lands on a (sponsor, category) budget row for the
// first time or the nth time (spec §4.6 step 5).
func AllocateBudgetOp(studentID, sponsorID, category string, amountCents int64) store.Op {
	return store.Op{
		Type: store.OpUpdate,
		Pk:   studentPartition(studentID),
		Sk:   skBudget(sponsorID, category),
		Mutate: func(item *store.Item) error {
			if item.Attrs["used_total_cents"] == nil {
				item.Attrs["used_total_cents"] = int64(0)
			}
			addInt(item.Attrs, "allocated_total_cents", amountCents)
			return nil
		},
		CreateIfAbsent: true,
	}
}

// ReverseBudgetOp builds the conditional decrement Update used by
// reversal (spec §4.7 step 4): reducedCents must already be bounded by
// maxReducible by the caller.
func ReverseBudgetOp(studentID, sponsorID, category string, reducedCents int64) store.Op {
	return store.Op{
		Type: store.OpUpdate,
		Pk:   studentPartition(studentID),
		Sk:   skBudget(sponsorID, category),
		Mutate: func(item *store.Item) error {
			addInt(item.Attrs, "allocated_total_cents", -reducedCents)
			return nil
		},
		Condition: store.Exists(),
	}
}

// SpendBudgetOp builds the conditional increment-used Update consumed
// inside the transaction engine's confirm batch (spec §4.8 step 5).
func SpendBudgetOp(studentID, sponsorID, category string, usedCents int64) store.Op {
	return store.Op{
		Type: store.OpUpdate,
		Pk:   studentPartition(studentID),
		Sk:   skBudget(sponsorID, category),
		Mutate: func(item *store.Item) error {
			addInt(item.Attrs, "used_total_cents", usedCents)
			return nil
		},
		Condition: store.Exists(),
	}
}

// RestoreBudgetOp builds the conditional decrement-used Update that
// reverses a SpendBudgetOp when a refund restores budget (spec §4.9's
// RefundRestoresBudget option). restoredCents must already be bounded by
// the caller so used_total_cents never goes negative; the condition is a
// second, belt-and-suspenders guard against a racing confirm.
func RestoreBudgetOp(studentID, sponsorID, category string, restoredCents int64) store.Op {
	return store.Op{
		Type: store.OpUpdate,
		Pk:   studentPartition(studentID),
		Sk:   skBudget(sponsorID, category),
		Mutate: func(item *store.Item) error {
			addInt(item.Attrs, "used_total_cents", -restoredCents)
			return nil
		},
		Condition: store.And(store.Exists(), store.AttrGTE("used_total_cents", restoredCents)),
	}
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
