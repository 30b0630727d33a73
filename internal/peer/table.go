// Package peer maintains the node's view of other peers: the
// four-state relationship machine, the mutual-consent handshake, and
// the distance-class connection budgets that keep connectivity dense
// nearby and sparse far away.
package peer

import (
	"crypto/rand"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/token-ledger/pkg/models"
)

// State is the relationship state for one known peer.
type State int

const (
	// StateIdentified — we learned of the peer via referral or
	// discovery; no link yet.
	StateIdentified State = iota
	// StateProspect — the peer sent us an inbound overture.
	StateProspect
	// StatePending — we sent an invite and await the reply.
	StatePending
	// StateConnected — mutual active link.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdentified:
		return "identified"
	case StateProspect:
		return "prospect"
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Peer is one record in the table.
type Peer struct {
	ID          models.PeerID   `json:"id"`
	PublicKey   [32]byte        `json:"-"`
	Salt        [16]byte        `json:"-"`
	Addr        string          `json:"addr,omitempty"`
	State       State           `json:"-"`
	StateName   string          `json:"state"`
	Class       int             `json:"distanceClass"`
	LastRefresh time.Time       `json:"lastRefresh"`
	Head        models.CommitID `json:"headOfChain"`
	Penalty     int             `json:"penalty"`

	pendingSince time.Time
}

// Table is the peer registry. All mutation happens under one mutex;
// the tick loop is the only writer in practice, the API reads
// snapshots.
type Table struct {
	mu   sync.Mutex
	self models.PeerID

	peers map[models.PeerID]*Peer

	maxConnections   int
	pendingTimeout   time.Duration
	refreshThreshold time.Duration
	penaltyEviction  int
}

// Options tune the table; zero values fall back to defaults.
type Options struct {
	MaxConnections   int
	PendingTimeout   time.Duration
	RefreshThreshold time.Duration
	PenaltyEviction  int
}

// NewTable creates an empty table for the given own peer id.
func NewTable(self models.PeerID, opts Options) *Table {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 64
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 30 * time.Second
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = 5 * time.Minute
	}
	if opts.PenaltyEviction <= 0 {
		opts.PenaltyEviction = 20
	}
	return &Table{
		self:             self,
		peers:            make(map[models.PeerID]*Peer),
		maxConnections:   opts.MaxConnections,
		pendingTimeout:   opts.PendingTimeout,
		refreshThreshold: opts.RefreshThreshold,
		penaltyEviction:  opts.PenaltyEviction,
	}
}

// classBudget is the connection budget for a distance class,
// proportional to B_total / 2^class with a floor of one so long-range
// classes are sparse but never unreachable.
func (t *Table) classBudget(class int) int {
	if class <= 0 {
		return 0 // class 0 is self
	}
	budget := t.maxConnections >> uint(min(class, 62))
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Learn records a peer in Identified state. Already-known peers keep
// their state; key material and address are refreshed.
func (t *Table) Learn(id models.PeerID, publicKey [32]byte, salt [16]byte, addr string) {
	if id == t.self || id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		p.PublicKey = publicKey
		p.Salt = salt
		if addr != "" {
			p.Addr = addr
		}
		return
	}
	t.peers[id] = &Peer{
		ID:          id,
		PublicKey:   publicKey,
		Salt:        salt,
		Addr:        addr,
		State:       StateIdentified,
		Class:       models.DistanceClass(t.self, id),
		LastRefresh: time.Now(),
	}
}

// Invite transitions Identified → Pending and reports whether the
// caller should send the invite message. Peers already mid-handshake
// or connected are left alone.
func (t *Table) Invite(id models.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok || p.State != StateIdentified {
		return false
	}
	p.State = StatePending
	p.pendingSince = time.Now()
	return true
}

// OnInvite handles an inbound overture. The peer becomes a Prospect;
// if its distance class has capacity we accept and mark Connected
// (our side of the atomic transition happens when the accept is
// emitted), otherwise we reject. The returned flag says accept/reject.
func (t *Table) OnInvite(id models.PeerID, publicKey [32]byte, salt [16]byte, addr string) bool {
	if id == t.self {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &Peer{
			ID:        id,
			PublicKey: publicKey,
			Salt:      salt,
			Addr:      addr,
			Class:     models.DistanceClass(t.self, id),
		}
		t.peers[id] = p
	}
	if p.State == StateConnected {
		p.LastRefresh = time.Now()
		return true
	}
	p.State = StateProspect

	if t.connectedInClassLocked(p.Class) >= t.classBudget(p.Class) {
		return false
	}
	p.State = StateConnected
	p.LastRefresh = time.Now()
	return true
}

// OnAccept completes our outbound handshake: Pending → Connected. An
// accept that pushes the class over budget triggers uniform-random
// pruning within that class.
func (t *Table) OnAccept(id models.PeerID) (evicted []models.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok || p.State != StatePending {
		return nil
	}
	p.State = StateConnected
	p.LastRefresh = time.Now()

	return t.pruneClassLocked(p.Class)
}

// OnReject returns a Pending peer to Identified.
func (t *Table) OnReject(id models.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok && p.State == StatePending {
		p.State = StateIdentified
	}
}

// pruneClassLocked evicts uniform-randomly within a class until it is
// back inside budget.
func (t *Table) pruneClassLocked(class int) []models.PeerID {
	var evicted []models.PeerID
	for {
		members := t.connectedMembersLocked(class)
		if len(members) <= t.classBudget(class) {
			return evicted
		}
		victim := members[randomIndex(len(members))]
		victim.State = StateIdentified
		evicted = append(evicted, victim.ID)
		log.Printf("[PeerTable] Class %d over budget, evicted %s", class, victim.ID.Short())
	}
}

func (t *Table) connectedInClassLocked(class int) int {
	n := 0
	for _, p := range t.peers {
		if p.State == StateConnected && p.Class == class {
			n++
		}
	}
	return n
}

func (t *Table) connectedMembersLocked(class int) []*Peer {
	var out []*Peer
	for _, p := range t.peers {
		if p.State == StateConnected && p.Class == class {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// randomIndex picks uniformly in [0, n) with crypto/rand; eviction
// must not be predictable by an attacker steering the class contents.
func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// Maintain runs one maintenance pass: time out Pending handshakes and
// churn stale Connected links. It returns peers to re-invite (their
// state was reset to Identified) so the caller can reissue handshakes.
func (t *Table) Maintain(now time.Time) (reinvite []models.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.peers {
		switch p.State {
		case StatePending:
			if now.Sub(p.pendingSince) > t.pendingTimeout {
				p.State = StateIdentified
				p.Penalty++
			}
		case StateConnected:
			// Continuous churn: stale links are torn down and
			// re-invited. High churn is a security property here,
			// not a defect.
			if now.Sub(p.LastRefresh) > t.refreshThreshold {
				p.State = StateIdentified
				reinvite = append(reinvite, p.ID)
			}
		}
		if p.Penalty >= t.penaltyEviction {
			delete(t.peers, p.ID)
			log.Printf("[PeerTable] Evicted %s on sustained penalties (%d)", p.ID.Short(), p.Penalty)
		}
	}
	return reinvite
}

// Touch refreshes a peer's liveness timestamp.
func (t *Table) Touch(id models.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastRefresh = time.Now()
	}
}

// UpdateHead records the latest head-of-chain a peer reported.
func (t *Table) UpdateHead(id models.PeerID, head models.CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Head = head
	}
}

// Penalize applies a reputation penalty.
func (t *Table) Penalize(id models.PeerID, amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Penalty += amount
	}
}

// Get returns a copy of the record for id.
func (t *Table) Get(id models.PeerID) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		return *p, true
	}
	return Peer{}, false
}

// Snapshot copies every record, for the API and for tracked-peer
// selection.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		c := *p
		c.StateName = p.State.String()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// ConnectedCount reports the number of Connected peers.
func (t *Table) ConnectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.peers {
		if p.State == StateConnected {
			n++
		}
	}
	return n
}

// ClosestTo returns up to k known peers ordered by ring distance to
// the target id, connected peers first.
func (t *Table) ClosestTo(target models.ID, k int) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].State == StateConnected, out[j].State == StateConnected
		if ci != cj {
			return ci
		}
		return models.RingDistance(out[i].ID, target).Cmp(models.RingDistance(out[j].ID, target)) < 0
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// RingNeighbors returns the n closest peers on each ring direction
// from self, the candidate set for commit-chain tracking. Peers with
// heavy penalties are skipped.
func (t *Table) RingNeighbors(n int) (ascending, descending []Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []*Peer
	for _, p := range t.peers {
		if p.Penalty >= t.penaltyEviction/2 {
			continue
		}
		all = append(all, p)
	}

	sort.Slice(all, func(i, j int) bool {
		return models.ClockwiseDistance(t.self, all[i].ID).Cmp(models.ClockwiseDistance(t.self, all[j].ID)) < 0
	})
	for i := 0; i < len(all) && i < n; i++ {
		ascending = append(ascending, *all[i])
	}

	sort.Slice(all, func(i, j int) bool {
		return models.ClockwiseDistance(all[i].ID, t.self).Cmp(models.ClockwiseDistance(all[j].ID, t.self)) < 0
	})
	for i := 0; i < len(all) && i < n; i++ {
		descending = append(descending, *all[i])
	}
	return ascending, descending
}

// RandomKnown picks up to n random known peers for discovery probes.
func (t *Table) RandomKnown(n int) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		all = append(all, p)
	}
	out := make([]Peer, 0, n)
	for len(out) < n && len(all) > 0 {
		i := randomIndex(len(all))
		out = append(out, *all[i])
		all[i] = all[len(all)-1]
		all = all[:len(all)-1]
	}
	return out
}
