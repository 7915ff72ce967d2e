// Package sponsorship implements sponsor<->student linking, allocation,
// and LIFO reversal (spec §4.5, §4.6, §4.7) — the operations that turn a
// sponsor's available credit into per-student, per-category budget.
package sponsorship

import (
	"context"
	"encoding/json"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/lot"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

func sponsorPartition(sponsorID string) string { return "SPONSOR#" + sponsorID }

func skStudentLink(studentID string) string { return "STUDENT_LINK#" + studentID }

// Service implements link/allocate/reverse.
type Service struct {
	adapter    store.Adapter
	ledger     *ledger.Ledger
	aggregates *aggregate.Store
	lots       *lot.Store
	deposits   *deposit.Service
	idempo     *idempotency.Cache
	clock      clock.Clock
}

func New(adapter store.Adapter, lg *ledger.Ledger, agg *aggregate.Store, lots *lot.Store, dep *deposit.Service, idempo *idempotency.Cache, clk clock.Clock) *Service {
	return &Service{adapter: adapter, ledger: lg, aggregates: agg, lots: lots, deposits: dep, idempo: idempo, clock: clk}
}

// Link writes a STUDENT_LINK row conditioned on attribute_not_exists; a
// ConditionFailed here means "already linked" and is treated as success,
// not an error (spec §4.5). idempotencyKey, when non-empty, short-circuits
// a replayed request before it even re-checks the condition.
func (s *Service) Link(ctx context.Context, sponsorID, studentID, idempotencyKey string) error {
	scope := idempotency.ScopeLinkStudent(sponsorID, studentID)
	if _, hit, err := s.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return err
	} else if hit {
		return nil
	}

	item := store.Item{
		Pk: sponsorPartition(sponsorID),
		Sk: skStudentLink(studentID),
		Attrs: map[string]any{
			"created_at": clock.ISO8601(s.clock.Now()),
		},
	}
	err := s.adapter.Put(ctx, item, store.PutOptions{Condition: store.NotExists()})
	if err != nil && !store.IsConditionFailed(err) {
		return err
	}
	_ = s.idempo.Store(ctx, scope, idempotencyKey, []byte(`{"status":"linked"}`))
	return nil
}

func (s *Service) linked(ctx context.Context, sponsorID, studentID string) (bool, error) {
	item, err := s.adapter.Get(ctx, sponsorPartition(sponsorID), skStudentLink(studentID))
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// CategoryAmount is one line item of an allocate/reverse request.
type CategoryAmount struct {
	Category    money.Category
	AmountCents int64
}

// BudgetSummary is the post-state for one affected category.
type BudgetSummary struct {
	Category            money.Category
	AllocatedTotalCents int64
	UsedTotalCents      int64
}

// AllocateResult is the outcome of Allocate.
type AllocateResult struct {
	Budgets []BudgetSummary
}

// Allocate credits a student's budgets from a sponsor's available balance
// (spec §4.6).
func (s *Service) Allocate(ctx context.Context, sponsorID, studentID string, entries []CategoryAmount, idempotencyKey string) (*AllocateResult, error) {
	scope := idempotency.ScopeAllocate(sponsorID, studentID)
	if cached, hit, err := s.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, err
	} else if hit {
		var out AllocateResult
		if err := json.Unmarshal(cached, &out); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode cached allocate response", err)
		}
		return &out, nil
	}

	linked, err := s.linked(ctx, sponsorID, studentID)
	if err != nil {
		return nil, err
	}
	if !linked {
		return nil, apperr.New(apperr.Forbidden, "sponsor is not linked to student")
	}
	if len(entries) == 0 {
		return nil, apperr.New(apperr.BadInput, "allocation requires at least one category")
	}

	var total int64
	for _, e := range entries {
		if e.AmountCents <= 0 {
			return nil, apperr.New(apperr.BadInput, "allocation amounts must be positive")
		}
		total += e.AmountCents
	}

	balance, err := s.deposits.Balance(ctx, sponsorID)
	if err != nil {
		return nil, err
	}
	if balance < total {
		return nil, apperr.New(apperr.InsufficientCredit, "allocation exceeds sponsor balance")
	}

	if err := s.aggregates.AdjustSponsorStudentAllocated(ctx, studentID, sponsorID, total); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "update sponsor-student aggregate", err)
	}
	if err := s.aggregates.AdjustSponsorAllocated(ctx, sponsorID, total); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "update sponsor aggregate", err)
	}

	summaries := make([]BudgetSummary, 0, len(entries))
	for _, e := range entries {
		createOp := s.lots.CreateOp(studentID, sponsorID, string(e.Category), e.AmountCents)
		if err := s.adapter.Put(ctx, createOp.Item, store.PutOptions{Condition: createOp.Condition}); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "create allocation lot", err)
		}
		_ = s.ledger.Append(ctx, ledger.Entry{
			Partition:   "STUDENT#" + studentID,
			Type:        ledger.Allocation,
			AmountCents: e.AmountCents,
			Category:    string(e.Category),
			SponsorID:   sponsorID,
			StudentID:   studentID,
		})
		budgetOp := aggregate.AllocateBudgetOp(studentID, sponsorID, string(e.Category), e.AmountCents)
		if err := s.adapter.Update(ctx, budgetOp.Pk, budgetOp.Sk, budgetOp.Mutate, store.UpdateOptions{CreateIfAbsent: budgetOp.CreateIfAbsent}); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "update budget", err)
		}
		budget, err := s.aggregates.GetBudget(ctx, studentID, sponsorID, string(e.Category))
		if err != nil {
			return nil, err
		}
		if budget != nil {
			summaries = append(summaries, BudgetSummary{Category: e.Category, AllocatedTotalCents: budget.AllocatedTotalCents, UsedTotalCents: budget.UsedTotalCents})
		}
	}

	result := &AllocateResult{Budgets: summaries}
	if encoded, err := json.Marshal(result); err == nil {
		_ = s.idempo.Store(ctx, scope, idempotencyKey, encoded)
	}
	return result, nil
}

// ReverseResult is the outcome of Reverse; categories that reversed
// nothing are omitted (spec §4.7).
type ReverseResult struct {
	Budgets []BudgetSummary
}

// Reverse drains allocation lots LIFO for each requested category, up to
// whatever is actually reducible (spec §4.7).
func (s *Service) Reverse(ctx context.Context, sponsorID, studentID string, entries []CategoryAmount, idempotencyKey string) (*ReverseResult, error) {
	scope := idempotency.ScopeReverse(sponsorID, studentID)
	if cached, hit, err := s.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, err
	} else if hit {
		var out ReverseResult
		if err := json.Unmarshal(cached, &out); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode cached reverse response", err)
		}
		return &out, nil
	}

	var summaries []BudgetSummary
	var totalReversed int64
	for _, e := range entries {
		budget, err := s.aggregates.GetBudget(ctx, studentID, sponsorID, string(e.Category))
		if err != nil {
			return nil, err
		}
		if budget == nil {
			continue
		}
		maxReducible := budget.Available()
		if maxReducible <= 0 {
			continue
		}
		want := e.AmountCents
		if want > maxReducible {
			want = maxReducible
		}

		takes, err := s.lots.PlanLIFO(ctx, studentID, string(e.Category), sponsorID, want)
		if err != nil {
			return nil, err
		}
		var actually int64
		for _, t := range takes {
			decOp := s.lots.DecrementOp(studentID, t)
			if err := s.adapter.Update(ctx, decOp.Pk, decOp.Sk, decOp.Mutate, store.UpdateOptions{Condition: decOp.Condition}); err != nil {
				if store.IsConditionFailed(err) {
					continue // another caller drained this lot first; skip it
				}
				return nil, apperr.Wrap(apperr.Transient, "decrement lot", err)
			}
			actually += t.AmountCents
		}
		if actually == 0 {
			continue
		}

		reverseOp := aggregate.ReverseBudgetOp(studentID, sponsorID, string(e.Category), actually)
		if err := s.adapter.Update(ctx, reverseOp.Pk, reverseOp.Sk, reverseOp.Mutate, store.UpdateOptions{Condition: reverseOp.Condition}); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "update budget on reversal", err)
		}
		_ = s.ledger.Append(ctx, ledger.Entry{
			Partition:   "STUDENT#" + studentID,
			Type:        ledger.Reversal,
			AmountCents: -actually,
			Category:    string(e.Category),
			SponsorID:   sponsorID,
			StudentID:   studentID,
		})

		updated, err := s.aggregates.GetBudget(ctx, studentID, sponsorID, string(e.Category))
		if err != nil {
			return nil, err
		}
		if updated != nil {
			summaries = append(summaries, BudgetSummary{Category: e.Category, AllocatedTotalCents: updated.AllocatedTotalCents, UsedTotalCents: updated.UsedTotalCents})
		}
		totalReversed += actually
	}

	if totalReversed > 0 {
		if err := s.aggregates.AdjustSponsorStudentAllocated(ctx, studentID, sponsorID, -totalReversed); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "update sponsor-student aggregate on reversal", err)
		}
		if err := s.aggregates.AdjustSponsorAllocated(ctx, sponsorID, -totalReversed); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "update sponsor aggregate on reversal", err)
		}
	}

	result := &ReverseResult{Budgets: summaries}
	if encoded, err := json.Marshal(result); err == nil {
		_ = s.idempo.Store(ctx, scope, idempotencyKey, encoded)
	}
	return result, nil
}
