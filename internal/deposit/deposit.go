// Package deposit implements the EFT deposit notification state machine
// (spec §4.4): submit creates a sponsor-partition row plus an admin mirror
// and an id lookup in one batch; approve/reject is a conditional
// `status = 'new'` transition, also in one batch, followed — only on
// success — by the sponsor credit (approve only).
//
// The state-machine shape mirrors the teacher's insert-or-get /
// reset-to-processing idempotency flow: a row starts in one state, and a
// conditional update is the only way out of it. Where the teacher resets
// a failed attempt back to "processing" for retry, this component simply
// has no retry state — `new` moves to exactly one terminal state and
// stays there (spec §3 invariant 4), so a second attempt is always a
// Conflict, never a reset.
package deposit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/idempotency"
	"github.com/kubomarket/sponsorship-ledger/internal/ledger"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

// Status is one of the two terminal states plus the initial one (spec §3,
// §4.4).
type Status string

const (
	StatusNew       Status = "new"
	StatusAllocated Status = "allocated"
	StatusRejected  Status = "rejected"
)

func sponsorPartition(sponsorID string) string { return "SPONSOR#" + sponsorID }

const pkEftAll = "EFT#ALL"
const pkEftID = "EFT#ID"

func skNotify(createdAt, id string) string { return "EFT_NOTIFY#" + createdAt + "#" + id }
func skAdminMirror(status Status, createdAt, id string) string {
	return "STATUS#" + string(status) + "#" + createdAt + "#" + id
}

// Notification mirrors the EFT deposit row, in whichever partition it was
// read from (sponsor view or admin mirror — same attribute shape).
type Notification struct {
	ID                  string
	SponsorID           string
	Reference           string
	AmountCents         int64
	Status              Status
	ApprovedAmountCents int64
	ApprovedBy          string
	ApprovedAt          string
	RejectedReason      string
	CreatedAt           string
}

// Service implements submit/approve/reject/balance for EFT deposits.
type Service struct {
	adapter    store.Adapter
	ledger     *ledger.Ledger
	aggregates *aggregate.Store
	idempo     *idempotency.Cache
	clock      clock.Clock
}

func New(adapter store.Adapter, lg *ledger.Ledger, agg *aggregate.Store, idempo *idempotency.Cache, clk clock.Clock) *Service {
	return &Service{adapter: adapter, ledger: lg, aggregates: agg, idempo: idempo, clock: clk}
}

// GenerateReference builds a `KUDU-{last4(sponsorId).upper}-{rand4}{lastEpoch4}`
// reference string (spec §4.4).
func (s *Service) GenerateReference(sponsorID string) string {
	last4 := lastN(sponsorID, 4)
	now := s.clock.Now()
	epoch := now.UnixMilli()
	lastEpoch4 := fmt.Sprintf("%04d", epoch%10000)
	randPart := fmt.Sprintf("%04X", rand.Intn(0x10000))
	return fmt.Sprintf("KUDU-%s-%s%s", strings.ToUpper(last4), randPart, lastEpoch4)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Submit validates amount_cents > 0, assigns a reference if none supplied,
// and writes the sponsor notification, id lookup, and admin mirror in one
// batch (spec §4.4). idempotencyKey, when non-empty, replays the exact
// same notification on retry instead of minting a second EFT deposit for
// the same submission (spec §4.2, §8 property 3).
func (s *Service) Submit(ctx context.Context, sponsorID string, amountCents int64, reference, idempotencyKey string) (*Notification, error) {
	scope := idempotency.ScopeSubmitDeposit(sponsorID)
	if cached, hit, err := s.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, err
	} else if hit {
		var out Notification
		if err := json.Unmarshal(cached, &out); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode cached submit response", err)
		}
		return &out, nil
	}

	if amountCents <= 0 {
		return nil, apperr.New(apperr.BadInput, "amount_cents must be positive")
	}
	if reference == "" {
		reference = s.GenerateReference(sponsorID)
	}

	id := uuid.NewString()
	createdAt := clock.ISO8601(s.clock.Now())

	n := Notification{
		ID:          id,
		SponsorID:   sponsorID,
		Reference:   reference,
		AmountCents: amountCents,
		Status:      StatusNew,
		CreatedAt:   createdAt,
	}

	notifyItem := toItem(n)
	notifyItem.GSI1PK = sponsorPartition(sponsorID)
	notifyItem.GSI1SK = "EFT#" + string(StatusNew) + "#" + createdAt

	lookupItem := store.Item{
		Pk: pkEftID,
		Sk: id,
		Attrs: map[string]any{
			"sponsor_id": sponsorID,
			"created_at": createdAt,
		},
	}

	mirrorItem := toItem(n)
	mirrorItem.Pk = pkEftAll
	mirrorItem.Sk = skAdminMirror(StatusNew, createdAt, id)

	ops := []store.Op{
		{Type: store.OpPut, Pk: notifyItem.Pk, Sk: notifyItem.Sk, Item: notifyItem, Condition: store.NotExists()},
		{Type: store.OpPut, Pk: lookupItem.Pk, Sk: lookupItem.Sk, Item: lookupItem, Condition: store.NotExists()},
		{Type: store.OpPut, Pk: mirrorItem.Pk, Sk: mirrorItem.Sk, Item: mirrorItem, Condition: store.NotExists()},
	}
	if err := s.adapter.TransactWrite(ctx, ops); err != nil {
		if store.IsConditionFailed(err) {
			return nil, apperr.Wrap(apperr.Conflict, "eft submission collided", err)
		}
		return nil, apperr.Wrap(apperr.Transient, "eft submit failed", err)
	}
	if encoded, err := json.Marshal(n); err == nil {
		_ = s.idempo.Store(ctx, scope, idempotencyKey, encoded)
	}
	return &n, nil
}

// lookup resolves an EFT id to its sponsor partition and sort key.
func (s *Service) lookup(ctx context.Context, id string) (sponsorID, createdAt string, err error) {
	item, err := s.adapter.Get(ctx, pkEftID, id)
	if err != nil {
		return "", "", err
	}
	if item == nil {
		return "", "", apperr.New(apperr.NotFound, "eft deposit not found")
	}
	sponsorID, _ = item.Attrs["sponsor_id"].(string)
	createdAt, _ = item.Attrs["created_at"].(string)
	return sponsorID, createdAt, nil
}

func (s *Service) getNotification(ctx context.Context, sponsorID, createdAt, id string) (*Notification, error) {
	item, err := s.adapter.Get(ctx, sponsorPartition(sponsorID), skNotify(createdAt, id))
	if err != nil || item == nil {
		return nil, err
	}
	n := fromItem(*item)
	return &n, nil
}

// approveOutcome is the cached idempotency-replay shape for Approve.
type approveOutcome struct {
	Notification *Notification `json:"notification"`
	BalanceCents int64         `json:"balance_cents"`
}

// Approve transitions a `new` EFT to `allocated`, clamping
// approvedAmountCents to at most the original amount, and — only once the
// transition commits — credits the sponsor (spec §4.4). idempotencyKey,
// when non-empty, replays the same (notification, balance) pair on retry
// instead of re-crediting the sponsor a second time.
func (s *Service) Approve(ctx context.Context, id string, approvedAmountCents int64, approvedBy, idempotencyKey string) (*Notification, int64, error) {
	scope := idempotency.ScopeAdminApprove(id)
	if cached, hit, err := s.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, 0, err
	} else if hit {
		var out approveOutcome
		if err := json.Unmarshal(cached, &out); err != nil {
			return nil, 0, apperr.Wrap(apperr.Internal, "decode cached approve response", err)
		}
		return out.Notification, out.BalanceCents, nil
	}

	sponsorID, createdAt, err := s.lookup(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	approved := approvedAmountCents
	current, err := s.getNotification(ctx, sponsorID, createdAt, id)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "read eft notification", err)
	}
	if current == nil {
		return nil, 0, apperr.New(apperr.NotFound, "eft deposit not found")
	}
	if approved > current.AmountCents {
		approved = current.AmountCents
	}
	approvedAt := clock.ISO8601(s.clock.Now())

	notifySk := skNotify(createdAt, id)
	ops := []store.Op{
		{
			Type: store.OpUpdate,
			Pk:   sponsorPartition(sponsorID),
			Sk:   notifySk,
			Mutate: func(item *store.Item) error {
				item.Attrs["status"] = string(StatusAllocated)
				item.Attrs["approved_amount_cents"] = approved
				item.Attrs["approved_by"] = approvedBy
				item.Attrs["approved_at"] = approvedAt
				item.GSI1SK = "EFT#" + string(StatusAllocated) + "#" + createdAt
				return nil
			},
			Condition: store.AttrEquals("status", string(StatusNew)),
		},
		{Type: store.OpDelete, Pk: pkEftAll, Sk: skAdminMirror(StatusNew, createdAt, id)},
	}

	mirror := toItem(*current)
	mirror.Pk = pkEftAll
	mirror.Sk = skAdminMirror(StatusAllocated, createdAt, id)
	mirror.Attrs["status"] = string(StatusAllocated)
	mirror.Attrs["approved_amount_cents"] = approved
	mirror.Attrs["approved_by"] = approvedBy
	mirror.Attrs["approved_at"] = approvedAt
	ops = append(ops, store.Op{Type: store.OpPut, Pk: mirror.Pk, Sk: mirror.Sk, Item: mirror, Condition: store.NotExists()})

	if err := s.adapter.TransactWrite(ctx, ops); err != nil {
		if store.IsConditionFailed(err) {
			return nil, 0, s.classifyApprovalConflict(ctx, sponsorID, createdAt, id)
		}
		return nil, 0, apperr.Wrap(apperr.Transient, "eft approve failed", err)
	}

	// Only after the state transition succeeds does the sponsor get
	// credited (spec §4.4): ledger entry, aggregate seed, then credit.
	if err := s.ledger.Append(ctx, ledger.Entry{
		Partition:   sponsorPartition(sponsorID),
		Type:        ledger.DepositApproved,
		AmountCents: approved,
		SponsorID:   sponsorID,
		EftID:       id,
	}); err != nil {
		return nil, 0, apperr.Wrap(apperr.Transient, "append deposit-approved ledger entry", err)
	}
	if err := s.aggregates.SeedSponsorAggregate(ctx, sponsorID); err != nil {
		return nil, 0, apperr.Wrap(apperr.Transient, "seed sponsor aggregate", err)
	}
	creditOp := aggregate.CreditApprovedOp(sponsorID, approved)
	if err := s.adapter.Update(ctx, creditOp.Pk, creditOp.Sk, creditOp.Mutate, store.UpdateOptions{CreateIfAbsent: true}); err != nil {
		return nil, 0, apperr.Wrap(apperr.Transient, "credit sponsor aggregate", err)
	}

	agg, err := s.aggregates.GetSponsorAggregate(ctx, sponsorID)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Transient, "read sponsor aggregate", err)
	}
	balance := int64(0)
	if agg != nil {
		balance = agg.AvailableTotalCents
	}

	updated, err := s.getNotification(ctx, sponsorID, createdAt, id)
	if err != nil || updated == nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "read updated eft notification", err)
	}
	if encoded, err := json.Marshal(approveOutcome{Notification: updated, BalanceCents: balance}); err == nil {
		_ = s.idempo.Store(ctx, scope, idempotencyKey, encoded)
	}
	return updated, balance, nil
}

// TopUp directly credits a sponsor's approved/available totals without an
// EFT notification row, for the development-only `POST
// /sponsors/{id}/credits/topup` route (spec §6.1). It reuses Approve's
// post-transition credit sequence (ledger entry, aggregate seed, credit)
// since there is no state machine transition to guard here.
func (s *Service) TopUp(ctx context.Context, sponsorID string, amountCents int64) (int64, error) {
	if amountCents <= 0 {
		return 0, apperr.New(apperr.BadInput, "amount_cents must be positive")
	}
	if err := s.ledger.Append(ctx, ledger.Entry{
		Partition:   sponsorPartition(sponsorID),
		Type:        ledger.DepositApproved,
		AmountCents: amountCents,
		SponsorID:   sponsorID,
		EftID:       "DEV-TOPUP",
	}); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "append deposit-approved ledger entry", err)
	}
	if err := s.aggregates.SeedSponsorAggregate(ctx, sponsorID); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "seed sponsor aggregate", err)
	}
	creditOp := aggregate.CreditApprovedOp(sponsorID, amountCents)
	if err := s.adapter.Update(ctx, creditOp.Pk, creditOp.Sk, creditOp.Mutate, store.UpdateOptions{CreateIfAbsent: true}); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "credit sponsor aggregate", err)
	}
	agg, err := s.aggregates.GetSponsorAggregate(ctx, sponsorID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "read sponsor aggregate", err)
	}
	if agg == nil {
		return 0, nil
	}
	return agg.AvailableTotalCents, nil
}

// Reject transitions a `new` EFT to `rejected`, symmetric to Approve minus
// the credit (spec §4.4). idempotencyKey, when non-empty, replays the same
// notification on retry.
func (s *Service) Reject(ctx context.Context, id, reason, idempotencyKey string) (*Notification, error) {
	scope := idempotency.ScopeAdminReject(id)
	if cached, hit, err := s.idempo.Lookup(ctx, scope, idempotencyKey); err != nil {
		return nil, err
	} else if hit {
		var out Notification
		if err := json.Unmarshal(cached, &out); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode cached reject response", err)
		}
		return &out, nil
	}

	sponsorID, createdAt, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.getNotification(ctx, sponsorID, createdAt, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read eft notification", err)
	}
	if current == nil {
		return nil, apperr.New(apperr.NotFound, "eft deposit not found")
	}

	notifySk := skNotify(createdAt, id)
	ops := []store.Op{
		{
			Type: store.OpUpdate,
			Pk:   sponsorPartition(sponsorID),
			Sk:   notifySk,
			Mutate: func(item *store.Item) error {
				item.Attrs["status"] = string(StatusRejected)
				item.Attrs["rejected_reason"] = reason
				item.GSI1SK = "EFT#" + string(StatusRejected) + "#" + createdAt
				return nil
			},
			Condition: store.AttrEquals("status", string(StatusNew)),
		},
		{Type: store.OpDelete, Pk: pkEftAll, Sk: skAdminMirror(StatusNew, createdAt, id)},
	}

	mirror := toItem(*current)
	mirror.Pk = pkEftAll
	mirror.Sk = skAdminMirror(StatusRejected, createdAt, id)
	mirror.Attrs["status"] = string(StatusRejected)
	mirror.Attrs["rejected_reason"] = reason
	ops = append(ops, store.Op{Type: store.OpPut, Pk: mirror.Pk, Sk: mirror.Sk, Item: mirror, Condition: store.NotExists()})

	if err := s.adapter.TransactWrite(ctx, ops); err != nil {
		if store.IsConditionFailed(err) {
			return nil, s.classifyApprovalConflict(ctx, sponsorID, createdAt, id)
		}
		return nil, apperr.Wrap(apperr.Transient, "eft reject failed", err)
	}

	_ = s.ledger.Append(ctx, ledger.Entry{
		Partition: sponsorPartition(sponsorID),
		Type:      ledger.DepositRejected,
		SponsorID: sponsorID,
		EftID:     id,
	})

	updated, err := s.getNotification(ctx, sponsorID, createdAt, id)
	if err != nil || updated == nil {
		return updated, err
	}
	if encoded, err := json.Marshal(updated); err == nil {
		_ = s.idempo.Store(ctx, scope, idempotencyKey, encoded)
	}
	return updated, nil
}

// classifyApprovalConflict re-reads the notification after a condition
// failure to report the reason precisely (spec §4.4, §7).
func (s *Service) classifyApprovalConflict(ctx context.Context, sponsorID, createdAt, id string) error {
	n, err := s.getNotification(ctx, sponsorID, createdAt, id)
	if err != nil || n == nil {
		return apperr.New(apperr.Conflict, "eft deposit transition conflict")
	}
	switch n.Status {
	case StatusAllocated:
		return apperr.New(apperr.Conflict, "eft deposit already approved")
	case StatusRejected:
		return apperr.New(apperr.Conflict, "eft deposit already rejected")
	default:
		return apperr.New(apperr.Conflict, "eft deposit transition conflict")
	}
}

// Balance derives the sponsor's effective available balance (spec §4.4):
// normally the aggregate's available_total_cents; if the aggregate is
// missing or both approved and balance are zero, fall back to summing
// DEPOSIT_APPROVED ledger entries minus allocated_total_cents.
func (s *Service) Balance(ctx context.Context, sponsorID string) (int64, error) {
	agg, err := s.aggregates.GetSponsorAggregate(ctx, sponsorID)
	if err != nil {
		return 0, err
	}
	if agg != nil && (agg.ApprovedTotalCents != 0 || agg.AvailableTotalCents != 0) {
		return agg.AvailableTotalCents, nil
	}
	approved, err := s.ledger.SumApprovedDeposits(ctx, sponsorPartition(sponsorID))
	if err != nil {
		return 0, err
	}
	allocated := int64(0)
	if agg != nil {
		allocated = agg.AllocatedTotalCents
	}
	return approved - allocated, nil
}

// ListBySponsor lists a sponsor's own EFT notifications, optionally
// filtered by status, newest first.
func (s *Service) ListBySponsor(ctx context.Context, sponsorID string, status Status, opts store.QueryOptions) ([]Notification, string, error) {
	opts.Forward = false
	page, err := s.adapter.Query(ctx, sponsorPartition(sponsorID), "EFT_NOTIFY#", opts)
	if err != nil {
		return nil, "", err
	}
	var out []Notification
	for _, it := range page.Items {
		n := fromItem(it)
		if status != "" && n.Status != status {
			continue
		}
		out = append(out, n)
	}
	return out, page.NextCursor, nil
}

// ListAll lists across every sponsor via the admin mirror, optionally
// filtered by status.
func (s *Service) ListAll(ctx context.Context, status Status, opts store.QueryOptions) ([]Notification, string, error) {
	opts.Forward = false
	prefix := "STATUS#"
	if status != "" {
		prefix = "STATUS#" + string(status) + "#"
	}
	page, err := s.adapter.Query(ctx, pkEftAll, prefix, opts)
	if err != nil {
		return nil, "", err
	}
	var out []Notification
	for _, it := range page.Items {
		out = append(out, fromItem(it))
	}
	return out, page.NextCursor, nil
}

func toItem(n Notification) store.Item {
	return store.Item{
		Pk: sponsorPartition(n.SponsorID),
		Sk: skNotify(n.CreatedAt, n.ID),
		Attrs: map[string]any{
			"id":                    n.ID,
			"sponsor_id":            n.SponsorID,
			"reference":             n.Reference,
			"amount_cents":          n.AmountCents,
			"status":                string(n.Status),
			"approved_amount_cents": n.ApprovedAmountCents,
			"approved_by":           n.ApprovedBy,
			"approved_at":           n.ApprovedAt,
			"rejected_reason":       n.RejectedReason,
			"created_at":            n.CreatedAt,
		},
	}
}

func fromItem(it store.Item) Notification {
	return Notification{
		ID:                  stringAttr(it.Attrs, "id"),
		SponsorID:           stringAttr(it.Attrs, "sponsor_id"),
		Reference:           stringAttr(it.Attrs, "reference"),
		AmountCents:         intAttr(it.Attrs, "amount_cents"),
		Status:              Status(stringAttr(it.Attrs, "status")),
		ApprovedAmountCents: intAttr(it.Attrs, "approved_amount_cents"),
		ApprovedBy:          stringAttr(it.Attrs, "approved_by"),
		ApprovedAt:          stringAttr(it.Attrs, "approved_at"),
		RejectedReason:      stringAttr(it.Attrs, "rejected_reason"),
		CreatedAt:           stringAttr(it.Attrs, "created_at"),
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
