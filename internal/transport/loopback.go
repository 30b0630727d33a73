package transport

import (
	"fmt"
	"sync"

	"github.com/rawblock/token-ledger/internal/wire"
	"github.com/rawblock/token-ledger/pkg/models"
)

// LoopbackNetwork connects in-process nodes for tests and local
// multi-node scenarios. Delivery is immediate and ordered per sender.
type LoopbackNetwork struct {
	mu    sync.Mutex
	nodes map[models.PeerID]*Loopback
}

// NewLoopbackNetwork creates an empty network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[models.PeerID]*Loopback)}
}

// Attach registers a node and returns its transport endpoint.
func (n *LoopbackNetwork) Attach(id models.PeerID) *Loopback {
	n.mu.Lock()
	defer n.mu.Unlock()
	lb := &Loopback{
		id:      id,
		net:     n,
		inbound: make(chan Inbound, inboundBuffer),
	}
	n.nodes[id] = lb
	return lb
}

// Detach removes a node; subsequent sends to it fail.
func (n *LoopbackNetwork) Detach(id models.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// Loopback is one node's endpoint on the in-process network.
type Loopback struct {
	id      models.PeerID
	net     *LoopbackNetwork
	inbound chan Inbound
	closed  bool
	mu      sync.Mutex
}

// Send delivers directly into the target's inbound queue.
func (l *Loopback) Send(to models.PeerID, env wire.Envelope) error {
	l.net.mu.Lock()
	target, ok := l.net.nodes[to]
	l.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to.Short())
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.closed {
		return fmt.Errorf("%w: %s (closed)", ErrUnknownPeer, to.Short())
	}
	select {
	case target.inbound <- Inbound{From: l.id, Env: env}:
		return nil
	default:
		return fmt.Errorf("inbound queue full at %s", to.Short())
	}
}

// Inbound returns the receive queue.
func (l *Loopback) Inbound() <-chan Inbound {
	return l.inbound
}

// Close detaches the endpoint.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.net.Detach(l.id)
	return nil
}
