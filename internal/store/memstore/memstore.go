// Package memstore is an in-memory Adapter implementation for unit tests,
// grounded on the teacher's mockRepo convention (a mutex-guarded map
// standing in for the real repository) generalized to the full
// partition/sort-key/secondary-index/transaction model of store.Adapter.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

type key struct{ pk, sk string }

// Store is a mutex-guarded, fully in-process Adapter. All mutating
// operations (Put/Update/Delete/TransactWrite) hold the same lock for
// their duration, which is exactly the concurrency model a single-node
// document store gives callers: single-item conditional writes and
// bounded multi-item transactions are atomic, nothing else is.
type Store struct {
	mu   sync.Mutex
	data map[key]store.Item

	// gsi1Disabled/gsi2Disabled simulate an unavailable secondary index so
	// callers and tests can exercise the degrade-to-scan path (spec §4.1).
	gsi1Disabled bool
	gsi2Disabled bool
}

// New creates an empty in-memory store with both secondary indexes
// available.
func New() *Store {
	return &Store{data: make(map[key]store.Item)}
}

// DisableIndex simulates the named secondary index being absent at
// startup, forcing QueryIndex to degrade to an in-process filtered scan.
func (s *Store) DisableIndex(index string) {
	switch index {
	case store.GSI1:
		s.gsi1Disabled = true
	case store.GSI2:
		s.gsi2Disabled = true
	}
}

func (s *Store) IndexAvailable(index string) bool {
	switch index {
	case store.GSI1:
		return !s.gsi1Disabled
	case store.GSI2:
		return !s.gsi2Disabled
	default:
		return false
	}
}

func (s *Store) Get(_ context.Context, pk, sk string) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(pk, sk), nil
}

func (s *Store) getLocked(pk, sk string) *store.Item {
	it, ok := s.data[key{pk, sk}]
	if !ok {
		return nil
	}
	cp := it.Clone()
	return &cp
}

func (s *Store) Put(_ context.Context, item store.Item, opts store.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(item, opts.Condition)
}

func (s *Store) putLocked(item store.Item, cond store.Condition) error {
	existing := s.getLocked(item.Pk, item.Sk)
	if cond != nil && !cond(existing) {
		return store.ConditionFailed("condition failed on put " + item.Pk + "/" + item.Sk)
	}
	s.data[key{item.Pk, item.Sk}] = item.Clone()
	return nil
}

func (s *Store) Update(_ context.Context, pk, sk string, fn store.UpdateFn, opts store.UpdateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(pk, sk, fn, opts)
}

func (s *Store) updateLocked(pk, sk string, fn store.UpdateFn, opts store.UpdateOptions) error {
	existing := s.getLocked(pk, sk)
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
	s.data[key{pk, sk}] = working.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, pk, sk string, cond store.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(pk, sk, cond)
}

func (s *Store) deleteLocked(pk, sk string, cond store.Condition) error {
	existing := s.getLocked(pk, sk)
	if cond != nil && !cond(existing) {
		return store.ConditionFailed("condition failed on delete " + pk + "/" + sk)
	}
	delete(s.data, key{pk, sk})
	return nil
}

func (s *Store) Query(_ context.Context, pk, skPrefix string, opts store.QueryOptions) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]store.Item, 0)
	for k, v := range s.data {
		if k.pk != pk || !strings.HasPrefix(k.sk, skPrefix) {
			continue
		}
		all = append(all, v.Clone())
	}
	return paginate(all, opts), nil
}

func (s *Store) QueryIndex(_ context.Context, index, pk, skPrefix string, opts store.QueryOptions) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.IndexAvailable(index)
	all := make([]store.Item, 0)
	for _, v := range s.data {
		var ipk, isk string
		switch index {
		case store.GSI1:
			ipk, isk = v.GSI1PK, v.GSI1SK
		case store.GSI2:
			ipk, isk = v.GSI2PK, v.GSI2SK
		default:
			continue
		}
		if !available {
			// Degrade to a primary-partition scan with in-process
			// filtering: the caller passed the index pk, which for both
			// GSI1 and GSI2 equals the primary pk of the rows it wants.
			if v.Pk != pk || !strings.HasPrefix(skOf(index, v), skPrefix) {
				continue
			}
			all = append(all, v.Clone())
			continue
		}
		if ipk != pk || !strings.HasPrefix(isk, skPrefix) {
			continue
		}
		all = append(all, v.Clone())
	}
	return paginate(all, opts), nil
}

func skOf(index string, v store.Item) string {
	if index == store.GSI1 {
		return v.GSI1SK
	}
	return v.GSI2SK
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

	// Validate every condition against the pre-transaction snapshot before
	// applying any mutation, so the batch is all-or-nothing.
	for _, op := range ops {
		existing := s.getLocked(op.Pk, op.Sk)
		if op.Condition != nil && !op.Condition(existing) {
			return store.ConditionFailed("transact write cancelled: condition failed on " + op.Pk + "/" + op.Sk)
		}
		if op.Type == store.OpUpdate && existing == nil && !op.CreateIfAbsent {
			return store.ConditionFailed("transact write cancelled: item absent on " + op.Pk + "/" + op.Sk)
		}
	}

	for _, op := range ops {
		switch op.Type {
		case store.OpPut:
			s.data[key{op.Item.Pk, op.Item.Sk}] = op.Item.Clone()
		case store.OpUpdate:
			existing := s.getLocked(op.Pk, op.Sk)
			var working store.Item
			if existing != nil {
				working = existing.Clone()
			} else {
				working = store.Item{Pk: op.Pk, Sk: op.Sk, Attrs: map[string]any{}}
			}
			if err := op.Mutate(&working); err != nil {
				return err
			}
			working.Pk, working.Sk = op.Pk, op.Sk
			s.data[key{op.Pk, op.Sk}] = working.Clone()
		case store.OpDelete:
			delete(s.data, key{op.Pk, op.Sk})
		}
	}
	return nil
}
