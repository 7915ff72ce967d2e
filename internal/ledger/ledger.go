// Package ledger implements the append-only money-movement log every
// mutating component writes to (spec §4.3). Entries are best-effort for
// observability except DEPOSIT_APPROVED, which is the authoritative
// fallback source for balance reconstruction when a sponsor aggregate row
// is missing or zero (spec §4.4, §3 invariant 5).
//
// Grounded on the community-bank-platform ledger store's append-and-scan
// shape (monotonic entry ids, actor-partitioned history) and on
// google/uuid for the uid suffix that keeps same-millisecond entries from
// colliding in their sort key.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

// Type enumerates the ledger entry kinds named in spec §2.
type Type string

const (
	DepositApproved Type = "DEPOSIT_APPROVED"
	DepositRejected Type = "DEPOSIT_REJECTED"
	Allocation      Type = "ALLOCATION"
	Spend           Type = "SPEND"
	Reversal        Type = "REVERSAL"
	Refund          Type = "REFUND"
)

// Entry is one ledger row. AmountCents is signed: allocations/deposits are
// positive, reversals/refunds are negative, so summing by actor
// reconstructs the aggregate it backs (spec §3 invariant 5).
type Entry struct {
	Partition   string
	Type        Type
	AmountCents int64
	Category    string
	SponsorID   string
	StudentID   string
	TxID        string
	EftID       string
	CreatedAt   string
}

// Ledger appends entries and replays them for balance reconstruction.
type Ledger struct {
	adapter store.Adapter
	clock   clock.Clock
}

func New(adapter store.Adapter, clk clock.Clock) *Ledger {
	return &Ledger{adapter: adapter, clock: clk}
}

func sortKey(clk clock.Clock) string {
	now := clk.Now()
	return fmt.Sprintf("LEDGER#%s#%s", clock.EpochMillisPadded(now), uuid.NewString())
}

// Append writes one ledger entry as its own Put. Most callers treat it as
// best-effort and do not fail the calling operation on error; the
// exception is DEPOSIT_APPROVED, which the deposit lifecycle appends right
// after the approval's state change commits and before crediting the
// sponsor aggregate, failing the call if the append fails.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	item := l.item(e)
	return l.adapter.Put(ctx, item, store.PutOptions{})
}

// Op builds the store.Op form of an entry so it can ride inside a caller's
// own TransactWrite batch. The deposit lifecycle and the transaction
// engine write their entries through Append, not through Op.
func (l *Ledger) Op(e Entry) store.Op {
	item := l.item(e)
	return store.Op{Type: store.OpPut, Pk: item.Pk, Sk: item.Sk, Item: item}
}

func (l *Ledger) item(e Entry) store.Item {
	if e.CreatedAt == "" {
		e.CreatedAt = clock.ISO8601(l.clock.Now())
	}
	return store.Item{
		Pk: e.Partition,
		Sk: sortKey(l.clock),
		Attrs: map[string]any{
			"type":         string(e.Type),
			"amount_cents": e.AmountCents,
			"category":     e.Category,
			"sponsor_id":   e.SponsorID,
			"student_id":   e.StudentID,
			"tx_id":        e.TxID,
			"eft_id":       e.EftID,
			"created_at":   e.CreatedAt,
		},
	}
}

// SumApprovedDeposits replays DEPOSIT_APPROVED entries for a sponsor
// partition and sums their amounts, for the §4.4 fallback balance
// derivation used when the sponsor aggregate row is absent or zero.
func (l *Ledger) SumApprovedDeposits(ctx context.Context, sponsorPartition string) (int64, error) {
	var total int64
	cursor := ""
	for {
		page, err := l.adapter.Query(ctx, sponsorPartition, "LEDGER#", store.QueryOptions{Forward: true, Limit: 500, Cursor: cursor})
		if err != nil {
			return 0, err
		}
		for _, it := range page.Items {
			if it.Attrs["type"] != string(DepositApproved) {
				continue
			}
			amt, _ := asInt64(it.Attrs["amount_cents"])
			total += amt
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return total, nil
}

// List returns one page of entries for a partition, newest-first by
// default, for the `GET .../ledger` route (spec §6.1).
func (l *Ledger) List(ctx context.Context, partition string, opts store.QueryOptions) ([]Entry, string, error) {
	page, err := l.adapter.Query(ctx, partition, "LEDGER#", opts)
	if err != nil {
		return nil, "", err
	}
	entries := make([]Entry, 0, len(page.Items))
	for _, it := range page.Items {
		amt, _ := asInt64(it.Attrs["amount_cents"])
		entries = append(entries, Entry{
			Partition:   it.Pk,
			Type:        Type(stringAttr(it.Attrs, "type")),
			AmountCents: amt,
			Category:    stringAttr(it.Attrs, "category"),
			SponsorID:   stringAttr(it.Attrs, "sponsor_id"),
			StudentID:   stringAttr(it.Attrs, "student_id"),
			TxID:        stringAttr(it.Attrs, "tx_id"),
			EftID:       stringAttr(it.Attrs, "eft_id"),
			CreatedAt:   stringAttr(it.Attrs, "created_at"),
		})
	}
	return entries, page.NextCursor, nil
}

func stringAttr(attrs map[string]any, name string) string {
	s, _ := attrs[name].(string)
	return s
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
