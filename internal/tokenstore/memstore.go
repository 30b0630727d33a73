package tokenstore

import (
	"sync"

	"github.com/google/btree"

	"github.com/rawblock/token-ledger/pkg/models"
)

// btreeDegree balances node fanout against rebalance cost for the
// mapping counts a single region holder carries (10^4–10^6 entries).
const btreeDegree = 32

func mappingLess(a, b models.TokenMapping) bool {
	return a.Token.Less(b.Token)
}

// MemStore is the in-memory Store used by a running node. It keeps
// mappings in a B-tree keyed by token id; iterators clone the tree
// (copy-on-write, cheap) so range scans observe a stable snapshot while
// the tick loop keeps writing.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[models.TokenMapping]
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tree: btree.NewG(btreeDegree, mappingLess),
	}
}

// Lookup returns the current mapping for t.
func (s *MemStore) Lookup(t models.TokenID) (models.TokenMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Get(models.TokenMapping{Token: t})
}

// Set applies m under the monotone update rule.
func (s *MemStore) Set(m models.TokenMapping) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tree.Get(models.TokenMapping{Token: m.Token}); ok {
		if !Applies(m, existing) {
			return false
		}
	}
	s.tree.ReplaceOrInsert(m)
	return true
}

// Len reports the number of stored mappings.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// RangeAfter iterates ascending from the immediate successor of t.
func (s *MemStore) RangeAfter(t models.TokenID) Iterator {
	s.mu.RLock()
	snap := s.tree.Clone()
	s.mu.RUnlock()
	return &memIterator{snap: snap, cursor: t, ascending: true}
}

// RangeBefore iterates descending from the immediate predecessor of t.
func (s *MemStore) RangeBefore(t models.TokenID) Iterator {
	s.mu.RLock()
	snap := s.tree.Clone()
	s.mu.RUnlock()
	return &memIterator{snap: snap, cursor: t, ascending: false}
}

// memIterator steps through the cloned tree one key at a time. Each
// Next is an O(log n) seek from the last yielded key, which keeps the
// iterator self-contained: it owns its snapshot and no tree-internal
// cursor can be invalidated underneath it.
type memIterator struct {
	snap      *btree.BTreeG[models.TokenMapping]
	cursor    models.TokenID
	ascending bool
	done      bool
}

func (it *memIterator) Next() (models.TokenMapping, bool) {
	if it.done {
		return models.TokenMapping{}, false
	}
	var found models.TokenMapping
	ok := false
	pivot := models.TokenMapping{Token: it.cursor}
	if it.ascending {
		it.snap.AscendGreaterOrEqual(pivot, func(m models.TokenMapping) bool {
			if m.Token == it.cursor {
				return true // strictly after
			}
			found, ok = m, true
			return false
		})
	} else {
		it.snap.DescendLessOrEqual(pivot, func(m models.TokenMapping) bool {
			if m.Token == it.cursor {
				return true // strictly before
			}
			found, ok = m, true
			return false
		})
	}
	if !ok {
		it.done = true
		return models.TokenMapping{}, false
	}
	it.cursor = found.Token
	return found, true
}
