// Package tokenstore holds the ordered token → mapping store the proof
// and commit-chain components run against. Any implementation that
// honours the ordering and monotonicity contract below can be
// substituted; the rest of the node is polymorphic over Store.
package tokenstore

import (
	"github.com/rawblock/token-ledger/pkg/models"
)

// Iterator walks mappings in a fixed direction. Next returns the next
// mapping in order, or ok=false on exhaustion. Iterators observe a
// snapshot taken at creation: they stay valid across concurrent reads
// and are not required to reflect writes made after creation.
type Iterator interface {
	Next() (models.TokenMapping, bool)
}

// Store is the five-operation ordered map over token ids.
//
// Ordering: keys compare lexicographically on their big-endian bytes,
// so iteration order equals numeric order.
//
// Monotonicity: Set applies a mapping only if it is strictly newer than
// the stored one — greater time, or equal time and lexicographically
// greater block. Older updates are silently ignored and Set reports
// whether the write was applied.
type Store interface {
	// Lookup returns the current mapping for a token.
	Lookup(t models.TokenID) (models.TokenMapping, bool)

	// Set applies m under the monotone update rule and reports
	// whether the store changed.
	Set(m models.TokenMapping) bool

	// RangeAfter iterates ascending, starting strictly after t.
	RangeAfter(t models.TokenID) Iterator

	// RangeBefore iterates descending, starting strictly before t.
	RangeBefore(t models.TokenID) Iterator

	// Len reports the number of stored mappings.
	Len() int
}

// Applies reports whether candidate m wins over existing under the
// monotone update rule shared by every Store implementation.
func Applies(m, existing models.TokenMapping) bool {
	if m.Time != existing.Time {
		return m.Time > existing.Time
	}
	return existing.Block.Less(m.Block)
}
