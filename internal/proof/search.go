package proof

import (
	"github.com/rawblock/token-ledger/internal/tokenstore"
	"github.com/rawblock/token-ledger/pkg/models"
)

// Trail is the search result: the mappings found (full trails carry
// exactly SignatureChunks entries, the first five above the lookup
// token and the last five below) plus the iterator steps consumed in
// each direction. An incomplete trail is not fraud on its own — it may
// reflect low local density — but it scores near zero downstream.
type Trail struct {
	Mappings   []models.TokenMapping `json:"mappings"`
	StepsAbove int                   `json:"stepsAbove"`
	StepsBelow int                   `json:"stepsBelow"`
}

// Complete reports whether every chunk found a match.
func (t Trail) Complete() bool {
	return len(t.Mappings) == SignatureChunks
}

// Search walks the store outward from lookup and resolves each chunk
// to its nearest matching stored token. Chunks 1..5 scan ascending
// from the previous match (initially the lookup token itself), chunks
// 6..10 scan descending; the path dependence is what stops an attacker
// pre-computing outer chunks without solving inner ones.
func Search(store tokenstore.Store, lookup models.TokenID, sig Signature) Trail {
	var trail Trail

	up := store.RangeAfter(lookup)
	for i := 0; i < SignatureChunks/2; i++ {
		m, steps, ok := advance(up, sig[i])
		trail.StepsAbove += steps
		if !ok {
			return trail
		}
		trail.Mappings = append(trail.Mappings, m)
	}

	down := store.RangeBefore(lookup)
	for i := SignatureChunks / 2; i < SignatureChunks; i++ {
		m, steps, ok := advance(down, sig[i])
		trail.StepsBelow += steps
		if !ok {
			return trail
		}
		trail.Mappings = append(trail.Mappings, m)
	}
	return trail
}

// advance consumes the iterator until a token matching chunk appears
// or the store is exhausted, returning the match and the steps taken.
func advance(it tokenstore.Iterator, chunk uint16) (models.TokenMapping, int, bool) {
	steps := 0
	for {
		m, ok := it.Next()
		if !ok {
			return models.TokenMapping{}, steps, false
		}
		steps++
		if Matches(m.Token, chunk) {
			return m, steps, true
		}
	}
}

// VerifyTrail checks a received trail against the signature the
// responder was obliged to use: every present mapping must match its
// chunk predicate. Ordering relative to the responder's store cannot
// be revalidated remotely; commonality scoring covers that.
func VerifyTrail(trail Trail, sig Signature) bool {
	if len(trail.Mappings) > SignatureChunks {
		return false
	}
	// Search stops at the first unresolved chunk, so a partial trail's
	// mappings always align with the signature prefix.
	for i, m := range trail.Mappings {
		if !Matches(m.Token, sig[i]) {
			return false
		}
	}
	return true
}
