package peer

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/rawblock/token-ledger/pkg/models"
)

// QueryFn issues a mapping query to a peer on behalf of discovery.
// The node wires this to the query engine.
type QueryFn func(to Peer, lookup models.TokenID)

// Discovery drives the per-tick probe schedule: one probe at the
// closest known peer to a random id, two at random known peers, each
// recursing greedily through referrals under a bounded hop limit.
type Discovery struct {
	mu       sync.Mutex
	table    *Table
	query    QueryFn
	hopLimit int

	probes map[models.ID]*probe // keyed by target id
}

type probe struct {
	target   models.ID
	hopsLeft int
	started  time.Time
	queried  map[models.PeerID]bool
}

// probeExpiry bounds how long a probe chain stays live waiting on
// referrals.
const probeExpiry = 45 * time.Second

// NewDiscovery wires discovery to the table and a query dispatcher.
func NewDiscovery(table *Table, query QueryFn, hopLimit int) *Discovery {
	if hopLimit <= 0 {
		hopLimit = 5
	}
	return &Discovery{
		table:    table,
		query:    query,
		hopLimit: hopLimit,
		probes:   make(map[models.ID]*probe),
	}
}

// Tick launches the maintenance-tick probe set and expires stale
// probe chains.
func (d *Discovery) Tick(now time.Time) {
	d.mu.Lock()
	for target, p := range d.probes {
		if now.Sub(p.started) > probeExpiry {
			delete(d.probes, target)
		}
	}
	d.mu.Unlock()

	// Probe 1: the closest known peer to a random point on the ring.
	var randomTarget models.ID
	_, _ = rand.Read(randomTarget[:])
	if closest := d.table.ClosestTo(randomTarget, 1); len(closest) > 0 {
		d.launch(randomTarget, closest[0])
	}

	// Probes 2 and 3: two random known peers, targeted at their own
	// ids so their referrals densify our view of their neighborhoods.
	for _, p := range d.table.RandomKnown(2) {
		d.launch(p.ID, p)
	}
}

func (d *Discovery) launch(target models.ID, first Peer) {
	d.mu.Lock()
	if _, active := d.probes[target]; active {
		d.mu.Unlock()
		return
	}
	d.probes[target] = &probe{
		target:   target,
		hopsLeft: d.hopLimit,
		started:  time.Now(),
		queried:  map[models.PeerID]bool{first.ID: true},
	}
	d.mu.Unlock()

	d.query(first, target)
}

// OnReferral advances the greedy recursion for the probe targeting
// targetToken. The caller has already validated and Learned the
// referred peers; here we only decide whether to hop again.
func (d *Discovery) OnReferral(targetToken models.ID) {
	d.mu.Lock()
	p, ok := d.probes[targetToken]
	if !ok {
		d.mu.Unlock()
		return
	}
	if p.hopsLeft <= 0 {
		delete(d.probes, targetToken)
		d.mu.Unlock()
		return
	}
	p.hopsLeft--

	// Greedy step: query the closest not-yet-queried peer to the
	// target. If every close peer was already asked, the chain ends.
	var next *Peer
	for _, cand := range d.table.ClosestTo(targetToken, d.hopLimit+3) {
		if !p.queried[cand.ID] {
			c := cand
			next = &c
			break
		}
	}
	if next == nil {
		delete(d.probes, targetToken)
		d.mu.Unlock()
		return
	}
	p.queried[next.ID] = true
	d.mu.Unlock()

	d.query(*next, targetToken)
}
