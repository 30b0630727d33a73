package chain

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rawblock/token-ledger/pkg/models"
)

// ErrChainLinkBroken marks a commit block whose id does not recompute
// from its linked fields, or whose previous link contradicts known
// history. Sync from the offending peer stops.
var ErrChainLinkBroken = errors.New("commit chain link broken")

// ErrEmptyCommit rejects producing a commit block with no committed
// blocks; Committed is non-empty by invariant.
var ErrEmptyCommit = errors.New("commit block must commit at least one block")

// Chain owns the local head and produces new commit records when the
// block-batch layer reports a committed batch.
type Chain struct {
	mu       sync.Mutex
	store    *CommitStore
	head     models.CommitID
	headTime uint64
	onCommit func(models.CommitBlock)
}

// New creates a chain over the given store. onCommit, when non-nil,
// fires for every locally produced commit block.
func New(store *CommitStore, onCommit func(models.CommitBlock)) *Chain {
	return &Chain{store: store, onCommit: onCommit}
}

// Head returns the current head id and its time. A zero head means no
// commit has been observed yet.
func (c *Chain) Head() (models.CommitID, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headTime
}

// Store exposes the underlying commit store.
func (c *Chain) Store() *CommitStore {
	return c.store
}

// Commit produces a new commit block linking to the current head,
// embedding the committed block ids, and advances the head.
func (c *Chain) Commit(time uint64, committed []models.BlockID) (models.CommitBlock, error) {
	if len(committed) == 0 {
		return models.CommitBlock{}, ErrEmptyCommit
	}

	c.mu.Lock()
	blk := models.CommitBlock{
		Previous:  c.head,
		Time:      time,
		Committed: committed,
	}
	blk.ID = models.ComputeCommitID(blk.Previous, blk.Time, blk.Committed)
	c.store.Put(blk)
	c.head = blk.ID
	c.headTime = blk.Time
	c.mu.Unlock()

	log.Printf("[Chain] Committed %d blocks, new head %s (t=%d)",
		len(committed), blk.ID.Short(), blk.Time)

	if c.onCommit != nil {
		c.onCommit(blk)
	}
	return blk, nil
}

// Accept stores a commit block received from a peer after verifying
// the hash invariant. A genesis block (previous = 0) is accepted only
// when no earlier head exists locally; anything else with a zero
// previous is a competing genesis and is refused.
func (c *Chain) Accept(blk models.CommitBlock) error {
	if len(blk.Committed) == 0 {
		return ErrEmptyCommit
	}
	if !blk.Verify() {
		return fmt.Errorf("%w: id %s does not recompute", ErrChainLinkBroken, blk.ID.Short())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if blk.Previous.IsZero() && !c.head.IsZero() && !c.store.Has(blk.ID) {
		// Walking our own history back always ends at our genesis; a
		// different zero-previous block is a second chain origin.
		if !c.isOwnGenesisLocked(blk.ID) {
			return fmt.Errorf("%w: competing genesis %s", ErrChainLinkBroken, blk.ID.Short())
		}
	}
	c.store.Put(blk)
	return nil
}

// isOwnGenesisLocked reports whether id is the genesis of the chain
// the local head belongs to.
func (c *Chain) isOwnGenesisLocked(id models.CommitID) bool {
	cursor := c.head
	for !cursor.IsZero() {
		blk, ok := c.store.Get(cursor)
		if !ok {
			// Incomplete local history; give the block the benefit of
			// the doubt, the apply walk re-checks linkage.
			return true
		}
		if blk.Previous.IsZero() {
			return blk.ID == id
		}
		cursor = blk.Previous
	}
	return false
}

// AdoptHead moves the head forward after a sync pass has applied a
// newer chain segment. Adoption is monotone by time, tie-broken by id,
// mirroring the token-store update rule.
func (c *Chain) AdoptHead(id models.CommitID, time uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time < c.headTime || (time == c.headTime && !c.head.Less(id)) {
		return false
	}
	c.head = id
	c.headTime = time
	return true
}
