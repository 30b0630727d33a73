// Package transport carries wire envelopes between peers. The physical
// framing and link encryption are outside the ledger core; everything
// here is behind the Transport interface so the node and its tests run
// identically over WebSocket links or the in-process loopback.
package transport

import (
	"errors"

	"github.com/rawblock/token-ledger/internal/wire"
	"github.com/rawblock/token-ledger/pkg/models"
)

// ErrUnknownPeer means no link and no dialable address for the target.
var ErrUnknownPeer = errors.New("no route to peer")

// Inbound is one received envelope queued for the node's tick loop.
type Inbound struct {
	From models.PeerID
	Env  wire.Envelope
}

// Transport sends envelopes and queues received ones. Receiving is
// pull-based: the node drains Inbound() in per-tick batches.
type Transport interface {
	Send(to models.PeerID, env wire.Envelope) error
	Inbound() <-chan Inbound
	Close() error
}

// AddrBook lets the node teach a transport where peers live; referral
// and handshake messages carry dialable addresses alongside identity.
type AddrBook interface {
	SetAddr(peer models.PeerID, addr string)
}
