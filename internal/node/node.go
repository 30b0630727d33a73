// Package node is the ownership root: it holds every subsystem and
// drives them from a single cooperative tick loop. Components never
// share mutable state directly; heavy cryptographic work runs on a
// small worker pool and rejoins the loop via channels.
package node

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/token-ledger/internal/chain"
	"github.com/rawblock/token-ledger/internal/config"
	"github.com/rawblock/token-ledger/internal/db"
	"github.com/rawblock/token-ledger/internal/identity"
	"github.com/rawblock/token-ledger/internal/peer"
	"github.com/rawblock/token-ledger/internal/query"
	"github.com/rawblock/token-ledger/internal/resolve"
	"github.com/rawblock/token-ledger/internal/tokenstore"
	"github.com/rawblock/token-ledger/internal/transport"
	"github.com/rawblock/token-ledger/pkg/models"
)

// inboundBatch is the number of queued messages drained per tick.
const inboundBatch = 64

// perPeerRateLimit is the per-tick inbound message cap per sender;
// above it messages are dropped with a reputation penalty.
const perPeerRateLimit = 16

// validateWorkers sizes the Argon2id validation pool.
const validateWorkers = 4

// Event is pushed to the operator event stream.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Options wires optional collaborators.
type Options struct {
	Store    *db.PostgresStore // nil: run without durability
	OnEvent  func(Event)       // nil: no event stream
	SelfAddr string            // dialable address advertised in handshakes
}

// Node owns all ledger subsystems for one peer.
type Node struct {
	cfg    config.Config
	ident  *identity.Identity
	params identity.Params

	store    *tokenstore.MemStore
	chain    *chain.Chain
	boot     *chain.Bootstrap
	table    *peer.Table
	disc     *peer.Discovery
	engine   *query.Engine
	resolver *resolve.Resolver
	fraud    *resolve.FraudLog

	tr transport.Transport
	pg *db.PostgresStore

	onEvent  func(Event)
	selfAddr string

	// blocks is the transaction-block cache fed by the block-batch
	// layer; bootstrap fetches constituent blocks from it.
	blocksMu sync.RWMutex
	blocks   map[models.BlockID]models.Block

	// Identity-validated envelopes rejoin the tick loop here.
	validated chan transport.Inbound
	// validCache remembers peers whose (pubkey, salt, id) already
	// passed Argon2id validation this session.
	validMu    sync.Mutex
	validCache map[models.PeerID][48]byte

	tick     atomic.Uint64
	readOnly atomic.Bool
}

// New assembles a node. The identity must already be mined.
func New(cfg config.Config, ident *identity.Identity, tr transport.Transport, opts Options) *Node {
	n := &Node{
		cfg:        cfg,
		ident:      ident,
		params:     identity.Params{MemoryKiB: cfg.ArgonMemoryKiB, TimeCost: cfg.ArgonTimeCost, DifficultyBits: cfg.DifficultyBits},
		store:      tokenstore.NewMemStore(),
		tr:         tr,
		pg:         opts.Store,
		onEvent:    opts.OnEvent,
		selfAddr:   opts.SelfAddr,
		blocks:     make(map[models.BlockID]models.Block),
		validated:  make(chan transport.Inbound, inboundBatch*4),
		validCache: make(map[models.PeerID][48]byte),
	}

	n.fraud = resolve.NewFraudLog(cfg.FraudRetention(), func(ev resolve.FraudEvent) {
		n.emit(Event{Type: "fraud", Payload: ev})
		n.persistFraud(ev)
	})
	n.resolver = resolve.NewResolver(n.store, n.fraud)

	n.chain = chain.New(chain.NewCommitStore(), func(blk models.CommitBlock) {
		n.emit(Event{Type: "commit", Payload: blk})
		n.persistCommit(blk)
	})

	n.table = peer.NewTable(ident.PeerID, peer.Options{
		MaxConnections:   cfg.MaxConnections,
		RefreshThreshold: cfg.RefreshInterval(),
	})

	n.engine = query.NewEngine(ident.PeerID, ident.PublicKey, ident.Salt,
		n.store, n.tr.Send, n.table.Penalize, query.Options{})

	n.disc = peer.NewDiscovery(n.table, func(to peer.Peer, lookup models.TokenID) {
		n.teachAddr(to.ID, to.Addr)
		n.engine.Start(lookup, []models.PeerID{to.ID}, nil)
	}, 5)

	n.boot = chain.NewBootstrap(chain.BootstrapConfig{
		PeersPerSide:        cfg.PeersPerSide,
		CommitBlocksPerTick: cfg.CommitBlocksPerTick,
		TxBlocksPerTick:     cfg.TxBlocksPerTick,
		MaxSyncAge:          cfg.MaxSyncAge,
		StallTimeout:        cfg.StallTimeout(),
		PeerRefreshInterval: cfg.RefreshInterval(),
		SpillDir:            cfg.SpillDir,
	}, n.chain, n.table, n.fraud, n.requestCommitBlock, blockFetcherFunc(n.fetchBlock), n.resolver.Apply, n.InRange)

	return n
}

// Accessors for the API layer.

func (n *Node) SelfID() models.PeerID          { return n.ident.PeerID }
func (n *Node) Store() tokenstore.Store        { return n.store }
func (n *Node) Chain() *chain.Chain            { return n.chain }
func (n *Node) Table() *peer.Table             { return n.table }
func (n *Node) Fraud() *resolve.FraudLog       { return n.fraud }
func (n *Node) Engine() *query.Engine          { return n.engine }
func (n *Node) Bootstrap() *chain.Bootstrap    { return n.boot }
func (n *Node) Ticks() uint64                  { return n.tick.Load() }
func (n *Node) ReadOnly() bool                 { return n.readOnly.Load() }
func (n *Node) Params() identity.Params        { return n.params }
func (n *Node) Transport() transport.Transport { return n.tr }

// AddBootstrapPeer seeds the table and address book before the loop
// starts.
func (n *Node) AddBootstrapPeer(id models.PeerID, publicKey [32]byte, salt [16]byte, addr string) {
	n.table.Learn(id, publicKey, salt, addr)
	n.teachAddr(id, addr)
}

// Run drives the tick loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	log.Printf("[Node] %s entering tick loop (interval %s)", n.ident.PeerID.Short(), n.cfg.TickInterval())

	jobs := make(chan transport.Inbound, inboundBatch*4)
	var wg sync.WaitGroup
	for i := 0; i < validateWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.validateWorker(ctx, jobs)
		}()
	}

	ticker := time.NewTicker(n.cfg.TickInterval())
	defer ticker.Stop()

	maintenance := time.NewTicker(n.cfg.RefreshInterval())
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			log.Printf("[Node] %s stopping", n.ident.PeerID.Short())
			return

		case <-maintenance.C:
			now := time.Now()
			for _, id := range n.table.Maintain(now) {
				n.sendInvite(id)
			}
			n.disc.Tick(now)
			if pruned := n.fraud.Sweep(); pruned > 0 {
				log.Printf("[Node] Fraud sweep pruned %d events", pruned)
			}

		case <-ticker.C:
			n.tick.Add(1)
			now := time.Now()

			// Drain one batch of raw inbound into the validation pool.
			n.drainInbound(jobs)

			// Apply envelopes whose sender identity checked out.
			n.drainValidated()

			n.boot.Tick(now)
			n.engine.Expire(now)
		}
	}
}

// drainInbound moves up to one batch from the transport to the
// validation pool, enforcing the per-peer rate cap.
func (n *Node) drainInbound(jobs chan<- transport.Inbound) {
	counts := make(map[models.PeerID]int)
	for i := 0; i < inboundBatch; i++ {
		select {
		case in := <-n.tr.Inbound():
			counts[in.From]++
			if counts[in.From] > perPeerRateLimit {
				n.table.Penalize(in.From, 1)
				continue
			}
			select {
			case jobs <- in:
			default:
				// Validation pool saturated; shed load.
			}
		default:
			return
		}
	}
}

// validateWorker runs the per-message identity contract off the main
// loop: Argon2id is deliberately expensive.
func (n *Node) validateWorker(ctx context.Context, jobs <-chan transport.Inbound) {
	for in := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !n.checkIdentity(in.Env.Sender, [32]byte(in.Env.SenderPublicKey), [16]byte(in.Env.SenderSalt)) {
			// InvalidIdentity: silently drop, penalize the link.
			n.table.Penalize(in.From, 2)
			n.fraud.Record(resolve.FraudEvent{
				Kind:          resolve.KindInvalidIdentity,
				OffendingPeer: in.Env.Sender,
				Detail:        "message sender failed proof-of-work validation",
			})
			continue
		}
		select {
		case n.validated <- in:
		case <-ctx.Done():
			return
		}
	}
}

// checkIdentity validates (peer id, public key, salt) with a
// per-session cache so each peer pays the Argon2id cost once.
func (n *Node) checkIdentity(id models.PeerID, publicKey [32]byte, salt [16]byte) bool {
	var material [48]byte
	copy(material[:32], publicKey[:])
	copy(material[32:], salt[:])

	n.validMu.Lock()
	cached, ok := n.validCache[id]
	n.validMu.Unlock()
	if ok && cached == material {
		return true
	}

	if !identity.Validate(id, publicKey, salt, n.params) {
		return false
	}

	n.validMu.Lock()
	n.validCache[id] = material
	n.validMu.Unlock()
	return true
}

// drainValidated applies identity-checked envelopes in arrival order.
func (n *Node) drainValidated() {
	for {
		select {
		case in := <-n.validated:
			n.handle(in)
		default:
			return
		}
	}
}
