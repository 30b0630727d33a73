package resolve

import (
	"testing"
	"time"

	"github.com/rawblock/token-ledger/internal/tokenstore"
	"github.com/rawblock/token-ledger/pkg/models"
)

func newTestResolver() (*Resolver, *tokenstore.MemStore, *FraudLog) {
	store := tokenstore.NewMemStore()
	fraud := NewFraudLog(time.Hour, nil)
	return NewResolver(store, fraud), store, fraud
}

func mapping(token, block, parent uint64, t uint64) models.TokenMapping {
	return models.TokenMapping{
		Token:  models.IDFromUint64(token),
		Block:  models.IDFromUint64(block),
		Parent: models.IDFromUint64(parent),
		Time:   t,
	}
}

func TestApplyNewToken(t *testing.T) {
	r, store, _ := newTestResolver()
	if got := r.Apply(models.IDFromUint64(99), mapping(1, 0xA, 0, 1)); got != OutcomeNew {
		t.Fatalf("Apply = %v, want new", got)
	}
	if _, ok := store.Lookup(models.IDFromUint64(1)); !ok {
		t.Error("mapping not stored")
	}
}

func TestApplyNormalExtension(t *testing.T) {
	r, store, fraud := newTestResolver()
	r.Apply(models.IDFromUint64(1), mapping(5, 0xA, 0x1, 10))

	if got := r.Apply(models.IDFromUint64(2), mapping(5, 0xB, 0xA, 11)); got != OutcomeExtended {
		t.Fatalf("Apply = %v, want extended", got)
	}
	m, _ := store.Lookup(models.IDFromUint64(5))
	if m.Block != models.IDFromUint64(0xB) {
		t.Errorf("stored block = %s, want 0xB", m.Block)
	}
	if len(fraud.Events()) != 0 {
		t.Error("normal extension logged fraud")
	}
}

func TestParentForkLargerBlockWins(t *testing.T) {
	// Initial (T=0x5, B=0xA, P=0x1, t=10); applying (T=0x5, B=0xB,
	// P=0x1, t=10) must keep max(0xA, 0xB) = 0xB and log fraud naming
	// the loser's sender.
	r, store, fraud := newTestResolver()
	honest := models.IDFromUint64(100)
	r.Apply(honest, mapping(0x5, 0xA, 0x1, 10))

	forker := models.IDFromUint64(200)
	if got := r.Apply(forker, mapping(0x5, 0xB, 0x1, 10)); got != OutcomeForkReplaced {
		t.Fatalf("Apply = %v, want fork-replaced", got)
	}

	m, _ := store.Lookup(models.IDFromUint64(0x5))
	if m.Block != models.IDFromUint64(0xB) {
		t.Errorf("final block = %s, want 0xB", m.Block)
	}

	events := fraud.Events()
	if len(events) != 1 {
		t.Fatalf("fraud events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != KindParentFork {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.LosingBlock != models.IDFromUint64(0xA) {
		t.Errorf("losing block = %s, want 0xA", ev.LosingBlock)
	}
	if ev.OffendingPeer != honest {
		t.Errorf("offender = %s, want the sender of the losing block", ev.OffendingPeer.Short())
	}
}

func TestParentForkSmallerBlockLoses(t *testing.T) {
	r, store, fraud := newTestResolver()
	r.Apply(models.IDFromUint64(1), mapping(0x5, 0xB, 0x1, 10))

	forker := models.IDFromUint64(200)
	if got := r.Apply(forker, mapping(0x5, 0xA, 0x1, 10)); got != OutcomeForkKept {
		t.Fatalf("Apply = %v, want fork-kept", got)
	}
	m, _ := store.Lookup(models.IDFromUint64(0x5))
	if m.Block != models.IDFromUint64(0xB) {
		t.Errorf("final block = %s, want 0xB", m.Block)
	}
	events := fraud.Events()
	if len(events) != 1 || events[0].OffendingPeer != forker {
		t.Errorf("expected one fraud event naming the forker")
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	// Initial (T=0x5, B=0xB, P=0x1, t=20); applying (T=0x5, B=0xC,
	// P=0x0, t=10) must not change anything.
	r, store, _ := newTestResolver()
	r.Apply(models.IDFromUint64(1), mapping(0x5, 0xB, 0x1, 20))

	got := r.Apply(models.IDFromUint64(2), mapping(0x5, 0xC, 0x0, 10))
	if got != OutcomeRejected && got != OutcomeStale {
		t.Fatalf("Apply = %v, want rejection or stale", got)
	}
	m, _ := store.Lookup(models.IDFromUint64(0x5))
	if m.Block != models.IDFromUint64(0xB) || m.Time != 20 {
		t.Errorf("state changed: %+v", m)
	}
}

func TestInconsistentExtensionRejected(t *testing.T) {
	r, store, fraud := newTestResolver()
	r.Apply(models.IDFromUint64(1), mapping(0x5, 0xB, 0x1, 10))

	// Parent 0x9 is neither the current block (0xB) nor the current
	// parent (0x1).
	if got := r.Apply(models.IDFromUint64(3), mapping(0x5, 0xC, 0x9, 11)); got != OutcomeRejected {
		t.Fatalf("Apply = %v, want rejected", got)
	}
	m, _ := store.Lookup(models.IDFromUint64(0x5))
	if m.Block != models.IDFromUint64(0xB) {
		t.Error("rejected update modified state")
	}
	events := fraud.Events()
	if len(events) != 1 || events[0].Kind != KindInconsistentExtension {
		t.Errorf("expected one inconsistent-extension event, got %+v", events)
	}
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	// Honest nodes applying the same fork observations in either order
	// end with the same mapping.
	a, storeA, _ := newTestResolver()
	b, storeB, _ := newTestResolver()

	x := mapping(0x5, 0xA, 0x1, 10)
	y := mapping(0x5, 0xB, 0x1, 10)
	sender := models.IDFromUint64(1)

	a.Apply(sender, x)
	a.Apply(sender, y)
	b.Apply(sender, y)
	b.Apply(sender, x)

	ma, _ := storeA.Lookup(models.IDFromUint64(0x5))
	mb, _ := storeB.Lookup(models.IDFromUint64(0x5))
	if ma != mb {
		t.Errorf("divergence: %+v vs %+v", ma, mb)
	}
	if ma.Block != models.IDFromUint64(0xB) {
		t.Errorf("converged block = %s, want 0xB", ma.Block)
	}
}

func TestFraudSweep(t *testing.T) {
	fraud := NewFraudLog(time.Millisecond, nil)
	fraud.Record(FraudEvent{Kind: KindParentFork})
	time.Sleep(5 * time.Millisecond)
	fraud.Record(FraudEvent{Kind: KindChainLinkBroken})

	if pruned := fraud.Sweep(); pruned != 1 {
		t.Errorf("Sweep pruned %d, want 1", pruned)
	}
	events := fraud.Events()
	if len(events) != 1 || events[0].Kind != KindChainLinkBroken {
		t.Errorf("wrong survivor: %+v", events)
	}
}

func TestCountByPeer(t *testing.T) {
	fraud := NewFraudLog(time.Hour, nil)
	p := models.IDFromUint64(9)
	fraud.Record(FraudEvent{Kind: KindParentFork, OffendingPeer: p})
	fraud.Record(FraudEvent{Kind: KindParentFork, OffendingPeer: p})
	if fraud.CountByPeer()[p] != 2 {
		t.Error("per-peer tally wrong")
	}
}
