package resolve

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/token-ledger/pkg/models"
)

// FraudKind classifies recorded evidence.
type FraudKind string

const (
	KindParentFork            FraudKind = "parent_fork"
	KindInconsistentExtension FraudKind = "inconsistent_extension"
	KindChainLinkBroken       FraudKind = "chain_link_broken"
	KindInvalidIdentity       FraudKind = "invalid_identity"
)

// FraudEvent is one retained piece of evidence. Evidence drives
// reputation scoring; it never causes immediate blacklisting.
type FraudEvent struct {
	ID            string          `json:"id"`
	Kind          FraudKind       `json:"kind"`
	Token         models.TokenID  `json:"token,omitempty"`
	OffendingPeer models.PeerID   `json:"offendingPeer"`
	LosingBlock   models.BlockID  `json:"losingBlock,omitempty"`
	WinningBlock  models.BlockID  `json:"winningBlock,omitempty"`
	CommitBlock   models.CommitID `json:"commitBlock,omitempty"`
	Detail        string          `json:"detail"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// FraudLog retains evidence locally for fraud_log_retention and prunes
// it on a periodic sweep. Propagating evidence between peers is
// deliberately not implemented here.
type FraudLog struct {
	mu        sync.Mutex
	events    []FraudEvent
	retention time.Duration
	onEvent   func(FraudEvent) // optional broadcast hook
}

// NewFraudLog creates a log with the given retention window. onEvent,
// when non-nil, is invoked for every recorded event (the node wires
// the operator event hub here).
func NewFraudLog(retention time.Duration, onEvent func(FraudEvent)) *FraudLog {
	return &FraudLog{retention: retention, onEvent: onEvent}
}

// Record stamps and retains an event.
func (f *FraudLog) Record(ev FraudEvent) {
	ev.ID = uuid.NewString()
	ev.ObservedAt = time.Now()

	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()

	log.Printf("[Fraud] %s: token=%s offender=%s (%s)",
		ev.Kind, ev.Token.Short(), ev.OffendingPeer.Short(), ev.Detail)

	if f.onEvent != nil {
		f.onEvent(ev)
	}
}

// Sweep drops events older than the retention window and returns how
// many were pruned. Called from the node's maintenance tick.
func (f *FraudLog) Sweep() int {
	cutoff := time.Now().Add(-f.retention)

	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.events[:0]
	for _, ev := range f.events {
		if ev.ObservedAt.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	pruned := len(f.events) - len(kept)
	f.events = kept
	return pruned
}

// Events returns a copy of the retained evidence, newest last.
func (f *FraudLog) Events() []FraudEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FraudEvent, len(f.events))
	copy(out, f.events)
	return out
}

// CountByPeer tallies retained evidence per offending peer. The node's
// peer eviction does not read this tally.
func (f *FraudLog) CountByPeer() map[models.PeerID]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.PeerID]int)
	for _, ev := range f.events {
		counts[ev.OffendingPeer]++
	}
	return counts
}
