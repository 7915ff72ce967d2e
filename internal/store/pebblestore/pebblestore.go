// Package pebblestore is the production Adapter implementation, backed by
// an embedded cockroachdb/pebble database. It is grounded on
// LeJamon-goXRPLd's internal/storage/database/pebble package (Read/Write/
// Delete/Batch/Iterator over *pebble.DB) and internal/storage/keyValueDb's
// Manager lifecycle, generalized from a flat byte-keyed store into the
// partition/sort-key/secondary-index/conditional-write/bounded-transaction
// model store.Adapter requires.
//
// Pebble itself has no cross-key compare-and-swap primitive, so the
// conditional semantics spec §4.1/§5 ask for ("single-item conditional
// writes", "bounded multi-item transactional writes") are implemented as:
// an in-process mutex serializes the read-check-apply sequence for every
// mutating call, and the resulting set of key changes is committed to
// Pebble as one atomic *pebble.Batch. That combination gives exactly the
// guarantee a single-partition document store gives — atomic within one
// call, nothing guaranteed across separate calls — which is what spec §5
// describes as the only two atomicity sources available.
package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

const (
	nsPrimary = "P"
	nsGSI1    = "I1"
	nsGSI2    = "I2"
	sep       = "\x00"
)

// Store is a Pebble-backed store.Adapter.
type Store struct {
	mu  sync.Mutex
	db  *pebble.DB
	gsi1Available bool
	gsi2Available bool
}

// Open opens (creating if absent) a Pebble database at path. Both
// secondary indexes are available by default; call Probe to mirror the
// spec's startup-probe behavior against an operational deployment where a
// GSI might not have been provisioned.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db %s: %w", path, err)
	}
	return &Store{db: db, gsi1Available: true, gsi2Available: true}, nil
}

// Close releases the underlying Pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Probe records whether each secondary index is usable. GSI2 absence is
// fatal for the caller (spec §4.1); GSI1 absence only degrades QueryIndex
// to a filtered primary-partition scan. This adapter always has both
// (they're maintained by the same writer), so Probe is a no-op hook kept
// for interface parity with a real distributed store that might lose an
// index; SetIndexAvailable below is what tests use to force the degrade
// path.
func (s *Store) Probe(ctx context.Context) error {
	return nil
}

// SetIndexAvailable lets operators/tests simulate an index outage.
func (s *Store) SetIndexAvailable(index string, available bool) {
	switch index {
	case store.GSI1:
		s.gsi1Available = available
	case store.GSI2:
		s.gsi2Available = available
	}
}

func (s *Store) IndexAvailable(index string) bool {
	switch index {
	case store.GSI1:
		return s.gsi1Available
	case store.GSI2:
		return s.gsi2Available
	default:
		return false
	}
}

func primaryKey(pk, sk string) []byte {
	return []byte(nsPrimary + sep + pk + sep + sk)
}

func indexKey(ns, ipk, isk, pk, sk string) []byte {
	// The primary pk/sk are appended so that distinct primary items
	// sharing the same index key (shouldn't happen for this schema but
	// kept for safety) don't collide.
	return []byte(ns + sep + ipk + sep + isk + sep + pk + sep + sk)
}

func encodeItem(item store.Item) ([]byte, error) {
	return json.Marshal(item)
}

func decodeItem(b []byte) (store.Item, error) {
	var it store.Item
	err := json.Unmarshal(b, &it)
	return it, err
}

func (s *Store) getLocked(pk, sk string) (*store.Item, error) {
	val, closer, err := s.db.Get(primaryKey(pk, sk))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, &store.Error{Kind: store.KindTransient, Msg: "pebble get", Err: err}
	}
	defer closer.Close()
	cp := make([]byte, len(val))
	copy(cp, val)
	it, err := decodeItem(cp)
	if err != nil {
		return nil, &store.Error{Kind: store.KindTransient, Msg: "decode item", Err: err}
	}
	return &it, nil
}

func (s *Store) Get(_ context.Context, pk, sk string) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(pk, sk)
}

// writeItem stages the primary + index key writes for item into batch.
func writeItem(batch *pebble.Batch, item store.Item) error {
	enc, err := encodeItem(item)
	if err != nil {
		return err
	}
	if err := batch.Set(primaryKey(item.Pk, item.Sk), enc, nil); err != nil {
		return err
	}
	if item.GSI1PK != "" {
		if err := batch.Set(indexKey(nsGSI1, item.GSI1PK, item.GSI1SK, item.Pk, item.Sk), enc, nil); err != nil {
			return err
		}
	}
	if item.GSI2PK != "" {
		if err := batch.Set(indexKey(nsGSI2, item.GSI2PK, item.GSI2SK, item.Pk, item.Sk), enc, nil); err != nil {
			return err
		}
	}
	return nil
}

// deleteItem stages removal of item's primary + index keys, using the
// previously-stored item (if any) to know what index keys to clear.
func deleteItem(batch *pebble.Batch, pk, sk string, prior *store.Item) error {
	if err := batch.Delete(primaryKey(pk, sk), nil); err != nil {
		return err
	}
	if prior == nil {
		return nil
	}
	if prior.GSI1PK != "" {
		if err := batch.Delete(indexKey(nsGSI1, prior.GSI1PK, prior.GSI1SK, pk, sk), nil); err != nil {
			return err
		}
	}
	if prior.GSI2PK != "" {
		if err := batch.Delete(indexKey(nsGSI2, prior.GSI2PK, prior.GSI2SK, pk, sk), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Put(_ context.Context, item store.Item, opts store.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(item.Pk, item.Sk)
	if err != nil {
		return err
	}
	if opts.Condition != nil && !opts.Condition(existing) {
		return store.ConditionFailed("condition failed on put " + item.Pk + "/" + item.Sk)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if existing != nil && (existing.GSI1PK != item.GSI1PK || existing.GSI1SK != item.GSI1SK ||
		existing.GSI2PK != item.GSI2PK || existing.GSI2SK != item.GSI2SK) {
		if err := deleteItem(batch, item.Pk, item.Sk, existing); err != nil {
			return err
		}
	}
	if err := writeItem(batch, item); err != nil {
		return err
	}
	return s.commit(batch)
}

func (s *Store) Update(_ context.Context, pk, sk string, fn store.UpdateFn, opts store.UpdateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(pk, sk)
	if err != nil {
		return err
	}
	if opts.Condition != nil && !opts.Condition(existing) {
		return store.ConditionFailed("condition failed on update " + pk + "/" + sk)
	}
	if existing == nil && !opts.CreateIfAbsent {
		return store.ConditionFailed("item absent on update " + pk + "/" + sk)
	}

	var working store.Item
	if existing != nil {
		working = existing.Clone()
	} else {
		working = store.Item{Pk: pk, Sk: sk, Attrs: map[string]any{}}
	}
	if err := fn(&working); err != nil {
		return err
	}
	working.Pk, working.Sk = pk, sk

	batch := s.db.NewBatch()
	defer batch.Close()
	if existing != nil {
		if err := deleteItem(batch, pk, sk, existing); err != nil {
			return err
		}
	}
	if err := writeItem(batch, working); err != nil {
		return err
	}
	return s.commit(batch)
}

func (s *Store) Delete(_ context.Context, pk, sk string, cond store.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(pk, sk)
	if err != nil {
		return err
	}
	if cond != nil && !cond(existing) {
		return store.ConditionFailed("condition failed on delete " + pk + "/" + sk)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := deleteItem(batch, pk, sk, existing); err != nil {
		return err
	}
	return s.commit(batch)
}

func (s *Store) commit(batch *pebble.Batch) error {
	if err := batch.Commit(pebble.Sync); err != nil {
		return &store.Error{Kind: store.KindTransient, Msg: "pebble commit", Err: err}
	}
	return nil
}

func (s *Store) Query(_ context.Context, pk, skPrefix string, opts store.QueryOptions) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := []byte(nsPrimary + sep + pk + sep + skPrefix)
	upper := prefixUpperBound(lower)
	items, err := s.scan(lower, upper)
	if err != nil {
		return store.Page{}, err
	}
	return paginate(items, opts), nil
}

func (s *Store) QueryIndex(_ context.Context, index, pk, skPrefix string, opts store.QueryOptions) (store.Page, error) {
	if !s.IndexAvailable(index) {
		// Degrade to a primary-partition scan with in-process filtering;
		// interface-identical to the indexed path (spec §4.1, §9).
		return s.Query(context.Background(), pk, "", store.QueryOptions{Forward: opts.Forward, Limit: 0}).filterDegraded(index, skPrefix, opts)
	}

	ns := nsGSI1
	if index == store.GSI2 {
		ns = nsGSI2
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := []byte(ns + sep + pk + sep + skPrefix)
	upper := prefixUpperBound(lower)
	items, err := s.scan(lower, upper)
	if err != nil {
		return store.Page{}, err
	}
	return paginate(items, opts), nil
}

// filterDegraded applies the in-process filter a degraded GSI1 or GSI2
// query needs: keep items whose GSI1SK (or GSI2SK) has the requested prefix.
func (p store.Page) filterDegraded(index, skPrefix string, opts store.QueryOptions) (store.Page, error) {
	filtered := make([]store.Item, 0, len(p.Items))
	for _, it := range p.Items {
		isk := it.GSI1SK
		if index == store.GSI2 {
			isk = it.GSI2SK
		}
		if strings.HasPrefix(isk, skPrefix) {
			filtered = append(filtered, it)
		}
	}
	return paginate(filtered, opts), nil
}

func (s *Store) scan(lower, upper []byte) ([]store.Item, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, &store.Error{Kind: store.KindTransient, Msg: "pebble iterator", Err: err}
	}
	defer iter.Close()

	var items []store.Item
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		cp := make([]byte, len(val))
		copy(cp, val)
		it, err := decodeItem(cp)
		if err != nil {
			return nil, &store.Error{Kind: store.KindTransient, Msg: "decode item", Err: err}
		}
		items = append(items, it)
	}
	if err := iter.Error(); err != nil {
		return nil, &store.Error{Kind: store.KindTransient, Msg: "pebble iteration", Err: err}
	}
	return items, nil
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded upper
}

func paginate(all []store.Item, opts store.QueryOptions) store.Page {
	sort.Slice(all, func(i, j int) bool {
		if opts.Forward {
			return all[i].Sk < all[j].Sk
		}
		return all[i].Sk > all[j].Sk
	})

	start := 0
	if opts.Cursor != "" {
		if n, err := strconv.Atoi(opts.Cursor); err == nil {
			start = n
		}
	}
	if start > len(all) {
		start = len(all)
	}
	all = all[start:]

	limit := opts.Limit
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	page := all[:limit]
	next := ""
	if limit < len(all) {
		next = strconv.Itoa(start + limit)
	}
	return store.Page{Items: page, NextCursor: next}
}

func (s *Store) TransactWrite(_ context.Context, ops []store.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > store.MaxTransactOps {
		return store.ConditionFailed("transaction exceeds max operation count")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	priors := make([]*store.Item, len(ops))
	for i, op := range ops {
		existing, err := s.getLocked(op.Pk, op.Sk)
		if err != nil {
			return err
		}
		priors[i] = existing
		if op.Condition != nil && !op.Condition(existing) {
			return store.ConditionFailed("transact write cancelled: condition failed on " + op.Pk + "/" + op.Sk)
		}
		if op.Type == store.OpUpdate && existing == nil && !op.CreateIfAbsent {
			return store.ConditionFailed("transact write cancelled: item absent on " + op.Pk + "/" + op.Sk)
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i, op := range ops {
		switch op.Type {
		case store.OpPut:
			if priors[i] != nil {
				if err := deleteItem(batch, op.Item.Pk, op.Item.Sk, priors[i]); err != nil {
					return err
				}
			}
			if err := writeItem(batch, op.Item); err != nil {
				return err
			}
		case store.OpUpdate:
			var working store.Item
			if priors[i] != nil {
				working = priors[i].Clone()
			} else {
				working = store.Item{Pk: op.Pk, Sk: op.Sk, Attrs: map[string]any{}}
			}
			if err := op.Mutate(&working); err != nil {
				return err
			}
			working.Pk, working.Sk = op.Pk, op.Sk
			if priors[i] != nil {
				if err := deleteItem(batch, op.Pk, op.Sk, priors[i]); err != nil {
					return err
				}
			}
			if err := writeItem(batch, working); err != nil {
				return err
			}
		case store.OpDelete:
			if err := deleteItem(batch, op.Pk, op.Sk, priors[i]); err != nil {
				return err
			}
		}
	}

	return s.commit(batch)
}
