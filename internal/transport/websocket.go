package transport

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/token-ledger/internal/wire"
	"github.com/rawblock/token-ledger/pkg/models"
)

// writeDeadline prevents a blocked peer from hanging the sender.
const writeDeadline = 5 * time.Second

// inboundBuffer bounds queued envelopes; past this the reader drops
// frames (backpressure is per-peer rate limiting at the node layer,
// this is the hard stop).
const inboundBuffer = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // peer links authenticate via envelope identity, not origin
	},
}

// wsLink is one active peer connection.
type wsLink struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (l *wsLink) write(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// WS is the WebSocket transport: a registry of peer links plus an
// address book for dialing peers we have not spoken to yet. Inbound
// envelopes from every link funnel into one channel for the tick loop.
type WS struct {
	mu      sync.Mutex
	links   map[models.PeerID]*wsLink
	addrs   map[models.PeerID]string
	inbound chan Inbound
	closed  bool
}

// NewWS creates the transport. Inbound peer connections are attached
// via Subscribe (mounted on the node's HTTP server).
func NewWS() *WS {
	return &WS{
		links:   make(map[models.PeerID]*wsLink),
		addrs:   make(map[models.PeerID]string),
		inbound: make(chan Inbound, inboundBuffer),
	}
}

// Inbound returns the receive queue.
func (t *WS) Inbound() <-chan Inbound {
	return t.inbound
}

// SetAddr records a dialable address for a peer.
func (t *WS) SetAddr(peer models.PeerID, addr string) {
	if addr == "" {
		return
	}
	t.mu.Lock()
	t.addrs[peer] = addr
	t.mu.Unlock()
}

// Send delivers an envelope, dialing on demand.
func (t *WS) Send(to models.PeerID, env wire.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	link, ok := t.links[to]
	addr := t.addrs[to]
	t.mu.Unlock()

	if !ok {
		if addr == "" {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, to.Short())
		}
		link, err = t.dial(to, addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
	}

	if err := link.write(payload); err != nil {
		t.drop(to, link)
		return fmt.Errorf("write to %s: %w", to.Short(), err)
	}
	return nil
}

// dial opens an outbound link and starts its read pump.
func (t *WS) dial(peer models.PeerID, addr string) (*wsLink, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/p2p", nil)
	if err != nil {
		return nil, err
	}
	link := &wsLink{conn: conn}

	t.mu.Lock()
	if existing, ok := t.links[peer]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.links[peer] = link
	t.mu.Unlock()

	go t.readPump(peer, link)
	return link, nil
}

// Subscribe upgrades an inbound HTTP request into a peer link. The
// link is keyed lazily: the first valid envelope read binds it to its
// sender id.
func (t *WS) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Transport] Upgrade failed: %v", err)
		return
	}
	link := &wsLink{conn: conn}
	go t.readPump(models.ZeroID, link)
}

// readPump decodes frames into the inbound queue until the link dies.
// bound starts zero for inbound links and locks to the first sender.
func (t *WS) readPump(bound models.PeerID, link *wsLink) {
	defer func() {
		link.conn.Close()
		if !bound.IsZero() {
			t.drop(bound, link)
		}
	}()

	for {
		_, raw, err := link.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Transport] Link error: %v", err)
			}
			return
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			log.Printf("[Transport] Bad frame: %v", err)
			continue
		}

		if bound.IsZero() {
			bound = env.Sender
			t.mu.Lock()
			if _, exists := t.links[bound]; !exists {
				t.links[bound] = link
			}
			t.mu.Unlock()
		}

		select {
		case t.inbound <- Inbound{From: env.Sender, Env: env}:
		default:
			// Queue full: drop on the floor, the sender will retry.
		}
	}
}

// drop removes a dead link.
func (t *WS) drop(peer models.PeerID, link *wsLink) {
	t.mu.Lock()
	if cur, ok := t.links[peer]; ok && cur == link {
		delete(t.links, peer)
	}
	t.mu.Unlock()
}

// Close tears down every link.
func (t *WS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, link := range t.links {
		link.conn.Close()
	}
	t.links = make(map[models.PeerID]*wsLink)
	return nil
}
