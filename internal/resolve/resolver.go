// Package resolve applies token updates against the store under the
// deterministic conflict rules. All honest nodes running these rules
// over the same observations converge to the same mapping per token,
// regardless of arrival order.
package resolve

import (
	"log"

	"github.com/rawblock/token-ledger/internal/tokenstore"
	"github.com/rawblock/token-ledger/pkg/models"
)

// Outcome classifies what Apply did with an update.
type Outcome int

const (
	// OutcomeNew — first mapping observed for this token.
	OutcomeNew Outcome = iota
	// OutcomeExtended — normal chain extension (parent equals the
	// current block).
	OutcomeExtended
	// OutcomeStale — older (time, block) than the stored mapping;
	// silently ignored.
	OutcomeStale
	// OutcomeForkKept — two blocks share a parent and the stored one
	// wins by the lexicographic rule.
	OutcomeForkKept
	// OutcomeForkReplaced — fork where the incoming block wins.
	OutcomeForkReplaced
	// OutcomeRejected — update extends neither the current block nor
	// the current parent; state untouched, evidence logged.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeExtended:
		return "extended"
	case OutcomeStale:
		return "stale"
	case OutcomeForkKept:
		return "fork-kept"
	case OutcomeForkReplaced:
		return "fork-replaced"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Resolver owns conflict handling for one node's store. Sender is
// threaded through for fraud attribution only; the rules themselves
// never consult peer trust or wall-clock.
type Resolver struct {
	store tokenstore.Store
	fraud *FraudLog

	// lastSender remembers which peer supplied the stored mapping per
	// token, so a later fork can name the sender of the losing block.
	lastSender map[models.TokenID]models.PeerID
}

// NewResolver binds the rules to a store and a fraud log.
func NewResolver(store tokenstore.Store, fraud *FraudLog) *Resolver {
	return &Resolver{
		store:      store,
		fraud:      fraud,
		lastSender: make(map[models.TokenID]models.PeerID),
	}
}

// Apply runs one token update through the conflict rules.
//
//  1. parent == current block: normal extension, accept.
//  2. parent == current parent: fork — keep the lexicographically
//     larger block, log fraud naming the sender of the loser.
//  3. otherwise: inconsistent extension — reject, log evidence.
//
// The store's own monotone rule still guards rule 1, so replayed or
// stale extensions fall out as OutcomeStale.
func (r *Resolver) Apply(sender models.PeerID, m models.TokenMapping) Outcome {
	cur, exists := r.store.Lookup(m.Token)
	if !exists {
		r.store.Set(m)
		r.lastSender[m.Token] = sender
		return OutcomeNew
	}

	switch {
	case cur.Block == m.Block:
		// Re-observation of the mapping we already hold.
		return OutcomeStale

	case cur.Block == m.Parent:
		if !r.store.Set(m) {
			return OutcomeStale
		}
		r.lastSender[m.Token] = sender
		return OutcomeExtended

	case cur.Parent == m.Parent:
		// Parent fork: two blocks claim the same predecessor. The
		// lexicographically larger block id wins everywhere.
		if cur.Block.Less(m.Block) {
			r.store.Set(m)
			r.fraud.Record(FraudEvent{
				Kind:          KindParentFork,
				Token:         m.Token,
				OffendingPeer: r.lastSender[m.Token],
				LosingBlock:   cur.Block,
				WinningBlock:  m.Block,
				Detail:        "parent fork resolved against previously stored block",
			})
			r.lastSender[m.Token] = sender
			return OutcomeForkReplaced
		}
		r.fraud.Record(FraudEvent{
			Kind:          KindParentFork,
			Token:         m.Token,
			OffendingPeer: sender,
			LosingBlock:   m.Block,
			WinningBlock:  cur.Block,
			Detail:        "parent fork resolved against incoming block",
		})
		return OutcomeForkKept

	default:
		r.fraud.Record(FraudEvent{
			Kind:          KindInconsistentExtension,
			Token:         m.Token,
			OffendingPeer: sender,
			LosingBlock:   m.Block,
			WinningBlock:  cur.Block,
			Detail:        "update parent matches neither current block nor current parent",
		})
		log.Printf("[Resolver] Rejected inconsistent extension for token %s from %s",
			m.Token.Short(), sender.Short())
		return OutcomeRejected
	}
}
