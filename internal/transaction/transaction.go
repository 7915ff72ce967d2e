// Package transaction implements the two-phase prepare/confirm
// authorization flow and refund (spec §4.8, §4.9) — the largest and most
// contended component in this core. The store cannot compare availability
// across partitions atomically, so prepare takes a snapshot the client
// can show the user, and confirm re-verifies that snapshot still holds
// before staging one bounded all-or-nothing batch that consumes lots,
// increments budgets, and records the spend.
package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/lot"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

// Merchant is the minimal merchant-metadata shape the engine needs;
// onboarding and QR generation are external collaborators (spec §1), this
// core only receives merchant metadata by id.
type Merchant struct {
	ID       string
	Category money.Category
	Status   string // "approved", etc. — must equal "approved" to transact
	Active   bool
}

// MerchantLookup resolves merchant metadata by id.
type MerchantLookup interface {
	GetMerchant(ctx context.Context, id string) (*Merchant, error)
}

func studentPartition(studentID string) string  { return "STUDENT#" + studentID }
func merchantPartition(merchantID string) string { return "MERCHANT#" + merchantID }

func skPending(tsPadded, txID string) string { return "TX#PENDING#" + tsPadded + "#" + txID }
func skSpend(createdAt, txID string) string  { return "SPEND#" + createdAt + "#" + txID }
func skMerchantTx(createdAt, txID string) string { return "TX#" + createdAt + "#" + txID }
func skMerchantRefund(createdAt, txID string) string { return "REFUND#" + createdAt + "#" + txID }

const skBusinessInfo = "BUSINESS_INFO"

// Status is the confirmed-spend/merchant-transaction status (spec §3).
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusApproved        Status = "APPROVED"
	StatusPartialApproved Status = "PARTIAL_APPROVED"
	StatusRefunded        Status = "REFUNDED"
	StatusPartialRefunded Status = "PARTIAL_REFUNDED"
)

// Pending mirrors a TX#PENDING row.
type Pending struct {
	TxID                 string        `json:"tx_id"`
	StudentID            string        `json:"student_id"`
	MerchantID           string        `json:"merchant_id"`
	Category             money.Category `json:"category"`
	AmountRequestedCents int64         `json:"amount_requested_cents"`
	AmountCoveredCents   int64         `json:"amount_covered_cents"`
	AmountShortfallCents int64         `json:"amount_shortfall_cents"`
	Status               Status        `json:"status"`
	CreatedAt            string        `json:"created_at"`
	TsPadded             string        `json:"ts_padded"`
}

// Engine implements prepare/confirm/refund.
type Engine struct {
	adapter    store.Adapter
	ledger     *ledger.Ledger
	aggregates *aggregate.Store
	lots       *lot.Store
	merchants  MerchantLookup
	idempo     *idempotency.Cache
	clock      clock.Clock

	// refundRestoresBudget resolves spec §9's open question about whether a
	// merchant refund restores budget used_total_cents. It is an engine-
	// wide config flag (internal/config's RefundRestoresBudget), not a
	// per-request choice: every refund through this engine behaves the
	// same way.
	refundRestoresBudget bool
}

func New(adapter store.Adapter, lg *ledger.Ledger, agg *aggregate.Store, lots *lot.Store, merchants MerchantLookup, idempo *idempotency.Cache, clk clock.Clock, refundRestoresBudget bool) *Engine {
	return &Engine{adapter: adapter, ledger: lg, aggregates: agg, lots: lots, merchants: merchants, idempo: idempo, clock: clk, refundRestoresBudget: refundRestoresBudget}
}

// resolveCategory implements the strict category resolution shared by
// prepare and confirm (spec §4.8).
func (e *Engine) resolveCategory(ctx context.Context, merchantID string, category money.Category) (money.Category, *Merchant, error) {
	if merchantID != "" {
		m, err := e.merchants.GetMerchant(ctx, merchantID)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.Internal, "lookup merchant", err)
		}
		if m == nil {
			return "", nil, apperr.New(apperr.BadInput, "unknown merchant")
		}
		if m.Status != "approved" || !m.Active {
			return "", nil, apperr.New(apperr.BadInput, "merchant not approved or inactive")
		}
		return m.Category, m, nil
	}
	if category == "" {
		return "", nil, apperr.New(apperr.BadInput, "category is required without a merchant")
	}
	canon, ok := money.Canonicalize(string(category))
	if !ok {
		return "", nil, apperr.New(apperr.BadInput, "unknown category")
	}
	return canon, nil, nil
}

func (e *Engine) availability(ctx context.Context, studentID string, category money.Category) (int64, error) {
	budgets, err := e.aggregates.ListBudgetsByCategory(ctx, studentID, string(category))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range budgets {
		total += b.Available()
	}
	return total, nil
}

// Prepare computes an availability snapshot and writes a pending row
// (spec §4.8).
func (e *Engine) Prepare(ctx context.Context, studentID, merchantID string, category money.Category, amountCents int64, idempotencyKey string) (*Pending, error) {
	if amountCents <= 0 {
		return nil, apperr.New(apperr.BadInput, "amount_cents must be positive")
	}
	scope := idempotency.ScopeTxPrepare(studentID)
	if cached, hit, err := e.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, err
	} else if hit {
		return decodePending(cached)
	}

	effectiveCategory, _, err := e.resolveCategory(ctx, merchantID, category)
	if err != nil {
		return nil, err
	}

	available, err := e.availability(ctx, studentID, effectiveCategory)
	if err != nil {
		return nil, err
	}
	covered := amountCents
	if available < covered {
		covered = available
	}
	if covered < 0 {
		covered = 0
	}
	shortfall := amountCents - covered

	now := e.clock.Now()
	txID := uuid.NewString()
	ts := clock.EpochMillisPadded(now)
	createdAt := clock.ISO8601(now)

	p := &Pending{
		TxID:                 txID,
		StudentID:             studentID,
		MerchantID:            merchantID,
		Category:              effectiveCategory,
		AmountRequestedCents:  amountCents,
		AmountCoveredCents:    covered,
		AmountShortfallCents:  shortfall,
		Status:                StatusPending,
		CreatedAt:             createdAt,
		TsPadded:              ts,
	}

	item := pendingToItem(*p)
	if err := e.adapter.Put(ctx, item, store.PutOptions{Condition: store.NotExists()}); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "write pending transaction", err)
	}

	if encoded, err := encodePending(p); err == nil {
		_ = e.idempo.Store(ctx, scope, idempotencyKey, encoded)
	}
	return p, nil
}

// ConfirmOutcome distinguishes a final confirmation from one that needs a
// retry because availability drifted (spec §4.8 step 3, §9's
// "ConfirmResult { Final | Reconfirm }" variant).
type ConfirmOutcome struct {
	Final             *Pending
	ReconfirmRequired bool
	Pending           *Pending // the updated snapshot when ReconfirmRequired
}

// Confirm re-verifies availability and, if unchanged, atomically consumes
// lots and records the spend (spec §4.8).
func (e *Engine) Confirm(ctx context.Context, studentID, txID, idempotencyKey string) (*ConfirmOutcome, error) {
	scope := idempotency.ScopeTxConfirm(studentID, txID)
	if cached, hit, err := e.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, err
	} else if hit {
		p, err := decodePending(cached)
		if err != nil {
			return nil, err
		}
		return &ConfirmOutcome{Final: p}, nil
	}

	pending, err := e.findPending(ctx, studentID, txID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, apperr.New(apperr.NotFound, "pending transaction not found")
	}
	if pending.Status != StatusPending {
		return &ConfirmOutcome{Final: pending}, nil
	}

	effectiveCategory, merchant, err := e.resolveCategory(ctx, pending.MerchantID, pending.Category)
	if err != nil {
		return nil, err
	}
	if effectiveCategory != pending.Category {
		return nil, apperr.New(apperr.BadInput, "merchant category drift since prepare")
	}

	available, err := e.availability(ctx, studentID, effectiveCategory)
	if err != nil {
		return nil, err
	}
	covered := pending.AmountRequestedCents
	if available < covered {
		covered = available
	}
	if covered < 0 {
		covered = 0
	}
	shortfall := pending.AmountRequestedCents - covered

	if covered != pending.AmountCoveredCents {
		updated := *pending
		updated.AmountCoveredCents = covered
		updated.AmountShortfallCents = shortfall
		if err := e.adapter.Put(ctx, pendingToItem(updated), store.PutOptions{}); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "update pending snapshot", err)
		}
		return &ConfirmOutcome{ReconfirmRequired: true, Pending: &updated}, nil
	}

	takes, err := e.lots.PlanFIFO(ctx, studentID, string(effectiveCategory), covered)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	createdAt := clock.ISO8601(now)

	finalStatus := StatusApproved
	if covered < pending.AmountRequestedCents {
		finalStatus = StatusPartialApproved
	}

	ops := make([]store.Op, 0, len(takes)+6)
	for _, t := range takes {
		ops = append(ops, e.lots.DecrementOp(studentID, t))
	}

	perSponsorCategory := map[string]int64{}
	for _, t := range takes {
		perSponsorCategory[t.Lot.SponsorID] += t.AmountCents
	}
	for sponsorID, used := range perSponsorCategory {
		ops = append(ops, aggregate.SpendBudgetOp(studentID, sponsorID, string(effectiveCategory), used))
	}

	spend := Pending{
		TxID:                 pending.TxID,
		StudentID:             studentID,
		MerchantID:            pending.MerchantID,
		Category:              effectiveCategory,
		AmountRequestedCents:  pending.AmountRequestedCents,
		AmountCoveredCents:    covered,
		AmountShortfallCents:  shortfall,
		Status:                finalStatus,
		CreatedAt:             createdAt,
	}

	// sponsorShares records exactly which lots funded this spend, so a
	// later refund with restoreBudget can credit remaining_cents and
	// used_total_cents back onto the same lots instead of guessing.
	shares := make([]any, 0, len(takes))
	for _, t := range takes {
		shares = append(shares, map[string]any{
			"sponsor_id":   t.Lot.SponsorID,
			"lot_sk":       t.Lot.Sk,
			"amount_cents": t.AmountCents,
		})
	}
	spendItem := store.Item{
		Pk: studentPartition(studentID),
		Sk: skSpend(createdAt, txID),
		Attrs: map[string]any{
			"merchant_id":     pending.MerchantID,
			"category":        string(effectiveCategory),
			"amount_cents":    covered,
			"status":          string(finalStatus),
			"created_at":      createdAt,
			"sponsor_shares":  shares,
		},
	}
	ops = append(ops, store.Op{Type: store.OpPut, Pk: spendItem.Pk, Sk: spendItem.Sk, Item: spendItem})

	if pending.MerchantID != "" {
		merchantTxItem := store.Item{
			Pk: merchantPartition(pending.MerchantID),
			Sk: skMerchantTx(createdAt, txID),
			Attrs: map[string]any{
				"student_id":   studentID,
				"category":     string(effectiveCategory),
				"amount_cents": covered,
				"status":       string(finalStatus),
				"created_at":   createdAt,
			},
		}
		ops = append(ops, store.Op{Type: store.OpPut, Pk: merchantTxItem.Pk, Sk: merchantTxItem.Sk, Item: merchantTxItem})
		ops = append(ops, businessInfoCreditOp(pending.MerchantID, txID, studentID, covered, createdAt))
		_ = merchant
	}

	ops = append(ops, store.Op{Type: store.OpDelete, Pk: studentPartition(studentID), Sk: skPending(pending.TsPadded, txID)})

	if idempotencyKey != "" {
		encoded, _ := encodePending(&spend)
		ops = append(ops, e.idempo.Op(scope, idempotencyKey, encoded))
	}

	if err := e.adapter.TransactWrite(ctx, ops); err != nil {
		if store.IsConditionFailed(err) {
			return nil, apperr.Wrap(apperr.Conflict, "transaction batch cancelled, retry confirm", err)
		}
		return nil, apperr.Wrap(apperr.Transient, "confirm transaction batch failed", err)
	}

	_ = e.ledger.Append(ctx, ledger.Entry{
		Partition:   studentPartition(studentID),
		Type:        ledger.Spend,
		AmountCents: covered,
		Category:    string(effectiveCategory),
		StudentID:   studentID,
		TxID:        txID,
	})

	return &ConfirmOutcome{Final: &spend}, nil
}

// ListSpends lists a student's confirmed-spend history, newest first, for
// the `GET /students/{id}/transactions` route (spec §6.1).
func (e *Engine) ListSpends(ctx context.Context, studentID string, opts store.QueryOptions) ([]Pending, string, error) {
	opts.Forward = false
	page, err := e.adapter.Query(ctx, studentPartition(studentID), "SPEND#", opts)
	if err != nil {
		return nil, "", err
	}
	out := make([]Pending, 0, len(page.Items))
	for _, it := range page.Items {
		out = append(out, Pending{
			TxID:        txIDFromSk(it.Sk),
			StudentID:   studentID,
			MerchantID:  stringAttr(it.Attrs, "merchant_id"),
			Category:    money.Category(stringAttr(it.Attrs, "category")),
			AmountCoveredCents: intAttr(it.Attrs, "amount_cents"),
			Status:      Status(stringAttr(it.Attrs, "status")),
			CreatedAt:   stringAttr(it.Attrs, "created_at"),
		})
	}
	return out, page.NextCursor, nil
}

// txIDFromSk extracts the trailing {txID} segment of a SPEND#{createdAt}#{txID}
// sort key.
func txIDFromSk(sk string) string {
	idx := strings.LastIndex(sk, "#")
	if idx < 0 {
		return sk
	}
	return sk[idx+1:]
}

func (e *Engine) findPending(ctx context.Context, studentID, txID string) (*Pending, error) {
	cursor := ""
	for {
		page, err := e.adapter.Query(ctx, studentPartition(studentID), "TX#PENDING#", store.QueryOptions{Forward: true, Limit: 100, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			p := itemToPending(it)
			if p.TxID == txID {
				return &p, nil
			}
		}
		if page.NextCursor == "" {
			return nil, nil
		}
		cursor = page.NextCursor
	}
}

// businessInfoCreditOp builds the best-effort conditional Update that
// appends a compact summary to the merchant's bounded "last five" list and
// bumps its running totals (spec §4.8 step 5).
func businessInfoCreditOp(merchantID, txID, studentID string, amountCents int64, createdAt string) store.Op {
	summary := fmt.Sprintf("%s:%s:%d:%s", txID, studentID, amountCents, createdAt)
	return store.Op{
		Type: store.OpUpdate,
		Pk:   merchantPartition(merchantID),
		Sk:   skBusinessInfo,
		Mutate: func(item *store.Item) error {
			list, _ := item.Attrs["last_five"].([]any)
			list = append(list, summary)
			if len(list) > 5 {
				list = list[len(list)-5:]
			}
			item.Attrs["last_five"] = list
			addInt(item.Attrs, "withdrawable_balance_cents", amountCents)
			addInt(item.Attrs, "total_received_cents", amountCents)
			addInt(item.Attrs, "total_transactions", 1)
			return nil
		},
		CreateIfAbsent: true,
	}
}

// Refund implements the merchant-initiated refund (spec §4.9). The budget
// used_total_cents is intentionally not decremented here unless the
// engine's RefundRestoresBudget config flag is set (see internal/config
// and DESIGN.md's Open Question resolution). idempotencyKey, when
// non-empty, makes a retried refund of the same transaction a no-op replay
// instead of a second debit (spec §4.2, §8 property 3).
func (e *Engine) Refund(ctx context.Context, merchantID, txID string, amountCents int64, reason string, idempotencyKey string) error {
	scope := idempotency.ScopeRefund(merchantID, txID)
	if _, hit, err := e.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return err
	} else if hit {
		return nil
	}

	tx, err := e.findMerchantTx(ctx, merchantID, txID)
	if err != nil {
		return err
	}
	if tx == nil {
		return apperr.New(apperr.NotFound, "merchant transaction not found")
	}
	original := intAttr(tx.Attrs, "amount_cents")
	if amountCents > original {
		return apperr.New(apperr.BadInput, "refund amount exceeds original transaction")
	}

	newStatus := StatusPartialRefunded
	if amountCents == original {
		newStatus = StatusRefunded
	}

	if err := e.adapter.Update(ctx, tx.Pk, tx.Sk, func(item *store.Item) error {
		item.Attrs["status"] = string(newStatus)
		return nil
	}, store.UpdateOptions{}); err != nil {
		return apperr.Wrap(apperr.Transient, "update merchant transaction on refund", err)
	}

	now := e.clock.Now()
	createdAt := clock.ISO8601(now)
	refundItem := store.Item{
		Pk: merchantPartition(merchantID),
		Sk: skMerchantRefund(createdAt, txID),
		Attrs: map[string]any{
			"amount_cents": amountCents,
			"reason":       reason,
		},
	}
	if err := e.adapter.Put(ctx, refundItem, store.PutOptions{}); err != nil {
		return apperr.Wrap(apperr.Transient, "write merchant refund record", err)
	}

	studentID, _ := tx.Attrs["student_id"].(string)
	category, _ := tx.Attrs["category"].(string)

	_ = e.ledger.Append(ctx, ledger.Entry{
		Partition:   studentPartition(studentID),
		Type:        ledger.Refund,
		AmountCents: -amountCents,
		Category:    category,
		TxID:        txID,
	})

	// Best-effort: failure here does not fail the refund (spec §7).
	_ = e.adapter.Update(ctx, merchantPartition(merchantID), skBusinessInfo, func(item *store.Item) error {
		addInt(item.Attrs, "withdrawable_balance_cents", -amountCents)
		return nil
	}, store.UpdateOptions{})

	if e.refundRestoresBudget {
		if err := e.restoreBudgetForRefund(ctx, studentID, txID, category, amountCents, original); err != nil {
			return err
		}
	}

	_ = e.idempo.Store(ctx, scope, idempotencyKey, []byte(`{"status":"refunded"}`))
	return nil
}

// restoreBudgetForRefund credits amountCents back onto the exact lots that
// funded the original spend (recorded as sponsor_shares at confirm time),
// proportionally when the refund is partial, and decrements each
// sponsor's used_total_cents by the same amount (spec §4.9's
// RefundRestoresBudget option). Best-effort: a lookup or op failure here
// does not fail the refund that already committed above (spec §7).
func (e *Engine) restoreBudgetForRefund(ctx context.Context, studentID, txID, category string, amountCents, originalCents int64) error {
	spend, err := e.findSpend(ctx, studentID, txID)
	if err != nil || spend == nil {
		return nil
	}
	rawShares, _ := spend.Attrs["sponsor_shares"].([]any)
	if len(rawShares) == 0 || originalCents <= 0 {
		return nil
	}

	ops := make([]store.Op, 0, len(rawShares)*2)
	var distributed int64
	for i, raw := range rawShares {
		share, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sponsorID := stringAttr(share, "sponsor_id")
		lotSk := stringAttr(share, "lot_sk")
		shareCents := intAttr(share, "amount_cents")
		if sponsorID == "" || lotSk == "" || shareCents <= 0 {
			continue
		}

		var restore int64
		if i == len(rawShares)-1 {
			restore = amountCents - distributed
		} else {
			restore = shareCents * amountCents / originalCents
		}
		if restore <= 0 {
			continue
		}
		distributed += restore

		ops = append(ops, e.lots.RestoreOp(studentID, lotSk, restore))
		ops = append(ops, aggregate.RestoreBudgetOp(studentID, sponsorID, category, restore))
	}
	if len(ops) == 0 {
		return nil
	}
	if err := e.adapter.TransactWrite(ctx, ops); err != nil {
		return nil
	}
	return nil
}

func (e *Engine) findMerchantTx(ctx context.Context, merchantID, txID string) (*store.Item, error) {
	cursor := ""
	for page := 0; page < 10; page++ {
		p, err := e.adapter.Query(ctx, merchantPartition(merchantID), "TX#", store.QueryOptions{Forward: false, Limit: 100, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for i := range p.Items {
			it := p.Items[i]
			if suffix := "#" + txID; len(it.Sk) >= len(suffix) && it.Sk[len(it.Sk)-len(suffix):] == suffix {
				return &it, nil
			}
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	return nil, nil
}

func (e *Engine) findSpend(ctx context.Context, studentID, txID string) (*store.Item, error) {
	cursor := ""
	for {
		p, err := e.adapter.Query(ctx, studentPartition(studentID), "SPEND#", store.QueryOptions{Forward: false, Limit: 100, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for i := range p.Items {
			it := p.Items[i]
			if suffix := "#" + txID; len(it.Sk) >= len(suffix) && it.Sk[len(it.Sk)-len(suffix):] == suffix {
				return &it, nil
			}
		}
		if p.NextCursor == "" {
			return nil, nil
		}
		cursor = p.NextCursor
	}
}

func pendingToItem(p Pending) store.Item {
	return store.Item{
		Pk: studentPartition(p.StudentID),
		Sk: skPending(p.TsPadded, p.TxID),
		Attrs: map[string]any{
			"tx_id":                   p.TxID,
			"merchant_id":             p.MerchantID,
			"category":                string(p.Category),
			"amount_requested_cents":  p.AmountRequestedCents,
			"amount_covered_cents":    p.AmountCoveredCents,
			"amount_shortfall_cents":  p.AmountShortfallCents,
			"status":                  string(p.Status),
			"created_at":              p.CreatedAt,
			"ts_padded":               p.TsPadded,
		},
	}
}

func itemToPending(it store.Item) Pending {
	return Pending{
		TxID:                 stringAttr(it.Attrs, "tx_id"),
		StudentID:            it.Pk[len("STUDENT#"):],
		MerchantID:           stringAttr(it.Attrs, "merchant_id"),
		Category:             money.Category(stringAttr(it.Attrs, "category")),
		AmountRequestedCents: intAttr(it.Attrs, "amount_requested_cents"),
		AmountCoveredCents:   intAttr(it.Attrs, "amount_covered_cents"),
		AmountShortfallCents: intAttr(it.Attrs, "amount_shortfall_cents"),
		Status:               Status(stringAttr(it.Attrs, "status")),
		CreatedAt:            stringAttr(it.Attrs, "created_at"),
		TsPadded:             stringAttr(it.Attrs, "ts_padded"),
	}
}

func encodePending(p *Pending) ([]byte, error) {
	return json.Marshal(p)
}

func decodePending(b []byte) (*Pending, error) {
	var p Pending
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode cached transaction response", err)
	}
	return &p, nil
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
