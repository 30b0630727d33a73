// Package chain implements the hash-linked commit chain: production of
// commit records when block batches commit, the ordered commit store,
// the bootstrap state machine that new and lagging peers use to pull
// themselves current, and the spill files that buffer downloaded
// history during sync.
package chain

import (
	"sync"

	"github.com/google/btree"

	"github.com/rawblock/token-ledger/pkg/models"
)

const commitTreeDegree = 16

type commitItem struct {
	id  models.CommitID
	blk models.CommitBlock
}

func commitLess(a, b commitItem) bool {
	return a.id.Less(b.id)
}

// CommitStore is the append-only store of commit blocks, ordered by
// commit-block id under the same big-endian iteration contract as the
// token store.
type CommitStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[commitItem]
}

// NewCommitStore returns an empty store.
func NewCommitStore() *CommitStore {
	return &CommitStore{tree: btree.NewG(commitTreeDegree, commitLess)}
}

// Put inserts a commit block. Re-inserting an existing id is a no-op;
// commit blocks are immutable.
func (s *CommitStore) Put(blk models.CommitBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Get(commitItem{id: blk.ID}); ok {
		return
	}
	s.tree.ReplaceOrInsert(commitItem{id: blk.ID, blk: blk})
}

// Get returns the commit block for id.
func (s *CommitStore) Get(id models.CommitID) (models.CommitBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.tree.Get(commitItem{id: id})
	return item.blk, ok
}

// Has reports whether id is stored.
func (s *CommitStore) Has(id models.CommitID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tree.Get(commitItem{id: id})
	return ok
}

// Len reports the number of stored commit blocks.
func (s *CommitStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Ascend walks every stored block in id order until fn returns false.
func (s *CommitStore) Ascend(fn func(models.CommitBlock) bool) {
	s.mu.RLock()
	snap := s.tree.Clone()
	s.mu.RUnlock()
	snap.Ascend(func(it commitItem) bool {
		return fn(it.blk)
	})
}
