// Package idempotency implements the durable (scope, key) -> cached
// response mapping every mutating operation consults at entry and writes
// at success (spec §4.2). It is grounded on the teacher's IdempotencyService
// state machine (insert-or-get, replay on duplicate, TTL expiry), narrowed
// to the single state transition the sponsorship core actually needs:
// record absent -> proceed, record present and unexpired -> replay.
//
// Unlike the teacher's payment-specific service, a cache record here never
// tracks a "processing" state: operations in this core either complete
// their store write within the calling request (no long-running async
// step to be "processing" about) or fail outright, so there is nothing to
// reset on retry. A concurrent first attempt racing a second is resolved
// by the underlying conditional writes on the real resources, not by this
// cache (see spec §4.2, §9's "race before any record exists").
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

func pk(scope string) string { return "IDEMPOTENCY#" + scope }

// Cache is the durable idempotency record store.
type Cache struct {
	adapter store.Adapter
	clock   clock.Clock
	ttl     time.Duration
}

// New builds a Cache with the given default TTL (spec §6.3 default: 14
// days, overridable per New call site via config).
func New(adapter store.Adapter, clk clock.Clock, ttl time.Duration) *Cache {
	return &Cache{adapter: adapter, clock: clk, ttl: ttl}
}

// record is the stored shape, matching the table in spec §3.
type record struct {
	Response  json.RawMessage `json:"response"`
	ExpiresAt int64           `json:"expires_at"`
}

// Lookup returns the cached response for (scope, key), or (nil, false) if
// no live record exists (absent, or present but past its expiry). key
// being empty always misses: callers without a client-supplied
// idempotency_key skip the cache entirely.
func (c *Cache) Lookup(ctx context.Context, scope, key string) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	item, err := c.adapter.Get(ctx, pk(scope), key)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, nil
	}
	rec, err := decode(*item)
	if err != nil {
		return nil, false, err
	}
	if c.clock.Now().Unix() >= rec.ExpiresAt {
		return nil, false, nil
	}
	return rec.Response, true, nil
}

// Store writes the response for (scope, key) with the cache's default
// TTL. A no-op when key is empty. Conditioned on attribute_not_exists so a
// racing duplicate write never clobbers the first responder's recorded
// response (spec §4.2).
func (c *Cache) Store(ctx context.Context, scope, key string, response json.RawMessage) error {
	if key == "" {
		return nil
	}
	item := c.item(scope, key, response)
	err := c.adapter.Put(ctx, item, store.PutOptions{Condition: store.NotExists()})
	if err != nil && store.IsConditionFailed(err) {
		// Another caller already recorded a response for this key; that's
		// the desired outcome of the race, not a failure for this caller.
		return nil
	}
	return err
}

// Op builds the store.Op to fold an idempotency Put into a caller's own
// TransactWrite batch (spec §4.2: "included as a conditional Put inside
// the same batch" for transactional flows like confirm).
func (c *Cache) Op(scope, key string, response json.RawMessage) store.Op {
	item := c.item(scope, key, response)
	return store.Op{
		Type:           store.OpPut,
		Pk:             item.Pk,
		Sk:             item.Sk,
		Item:           item,
		Condition:      store.NotExists(),
		CreateIfAbsent: true,
	}
}

func (c *Cache) item(scope, key string, response json.RawMessage) store.Item {
	expires := c.clock.Now().Add(c.ttl).Unix()
	return store.Item{
		Pk: pk(scope),
		Sk: key,
		Attrs: map[string]any{
			"response":   string(response),
			"expires_at": expires,
		},
	}
}

func decode(item store.Item) (record, error) {
	resp, _ := item.Attrs["response"].(string)
	expires, _ := asInt64(item.Attrs["expires_at"])
	return record{Response: json.RawMessage(resp), ExpiresAt: expires}, nil
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

// Scope helpers centralize the deterministic scope strings named in spec
// §4.2 so call sites never hand-assemble them inconsistently.
func ScopeAllocate(sponsorID, studentID string) string {
	return "ALLOCATE#" + sponsorID + "#" + studentID
}

func ScopeReverse(sponsorID, studentID string) string {
	return "REVERSE#" + sponsorID + "#" + studentID
}

func ScopeTxConfirm(studentID, txID string) string {
	return "TX_CONFIRM#" + studentID + "#" + txID
}

func ScopeTxPrepare(studentID string) string {
	return "TX_PREPARE#" + studentID
}

func ScopeAdminApprove(eftID string) string {
	return "ADMIN_APPROVE#" + eftID
}

func ScopeAdminReject(eftID string) string {
	return "ADMIN_REJECT#" + eftID
}

func ScopeRefund(studentID, spendID string) string {
	return "REFUND#" + studentID + "#" + spendID
}

func ScopeSubmitDeposit(sponsorID string) string {
	return "SUBMIT_DEPOSIT#" + sponsorID
}

func ScopeLinkStudent(sponsorID, studentID string) string {
	return "LINK#" + sponsorID + "#" + studentID
}
