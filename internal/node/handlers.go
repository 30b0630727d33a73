package node

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/token-ledger/internal/identity"
	"github.com/rawblock/token-ledger/internal/peer"
	"github.com/rawblock/token-ledger/internal/query"
	"github.com/rawblock/token-ledger/internal/resolve"
	"github.com/rawblock/token-ledger/internal/transport"
	"github.com/rawblock/token-ledger/internal/wire"
	"github.com/rawblock/token-ledger/pkg/models"
)

// blockFetcherFunc adapts a function to the chain.BlockFetcher
// interface.
type blockFetcherFunc func(id models.BlockID) (models.Block, bool)

func (f blockFetcherFunc) FetchBlock(id models.BlockID) (models.Block, bool) {
	return f(id)
}

// handle dispatches one validated envelope.
func (n *Node) handle(in transport.Inbound) {
	env := in.Env
	sender := env.Sender
	n.table.Learn(sender, [32]byte(env.SenderPublicKey), [16]byte(env.SenderSalt), "")
	n.table.Touch(sender)

	switch env.Type {
	case wire.TypeQuery:
		var q wire.Query
		if env.Open(&q) == nil {
			n.handleQuery(sender, q)
		}

	case wire.TypeAnswer:
		var a wire.Answer
		if env.Open(&a) == nil {
			n.boot.ObserveHead(sender, a.HeadOfChain)
			if a.Mapping != nil {
				n.boot.ObserveTime(a.Mapping.Time)
			}
			n.engine.HandleAnswer(sender, a)
		}

	case wire.TypeReferral:
		var r wire.Referral
		if env.Open(&r) == nil {
			n.handleReferral(r)
		}

	case wire.TypeQueryCommitBlock:
		var q wire.QueryCommitBlock
		if env.Open(&q) == nil {
			n.handleQueryCommitBlock(sender, q)
		}

	case wire.TypeCommitBlock:
		var msg wire.CommitBlockMsg
		if env.Open(&msg) == nil {
			n.boot.HandleCommitBlock(sender, msg.Ticket, msg.Block)
		}

	case wire.TypeInvite:
		var inv wire.Invite
		if env.Open(&inv) == nil {
			n.teachAddr(sender, inv.Addr)
			if n.table.OnInvite(sender, [32]byte(env.SenderPublicKey), [16]byte(env.SenderSalt), inv.Addr) {
				n.send(sender, wire.TypeAccept, wire.Accept{Addr: n.selfAddr})
				n.emit(Event{Type: "peer_connected", Payload: sender})
			} else {
				n.send(sender, wire.TypeReject, wire.Reject{Reason: "class budget exhausted"})
			}
		}

	case wire.TypeAccept:
		var acc wire.Accept
		if env.Open(&acc) == nil {
			n.teachAddr(sender, acc.Addr)
			n.table.OnAccept(sender)
			n.emit(Event{Type: "peer_connected", Payload: sender})
		}

	case wire.TypeReject:
		n.table.OnReject(sender)

	default:
		log.Printf("[Node] Unknown message type %q from %s", env.Type, sender.Short())
	}
}

// handleQuery answers with the local mapping plus proof trail, and a
// referral pointing at the closest known peers around the token.
func (n *Node) handleQuery(from models.PeerID, q wire.Query) {
	head, _ := n.chain.Head()
	ans := n.engine.BuildAnswer(q, head)
	n.send(from, wire.TypeAnswer, ans)

	if ref, ok := n.buildReferral(q.LookupToken); ok {
		n.send(from, wire.TypeReferral, ref)
	}
}

// buildReferral picks the nearest known peer on each side of the
// target token.
func (n *Node) buildReferral(target models.TokenID) (wire.Referral, bool) {
	ref := wire.Referral{TargetToken: target}
	for _, p := range n.table.ClosestTo(target, 8) {
		info := &wire.PeerInfo{
			ID:        p.ID,
			PublicKey: wire.Key32(p.PublicKey),
			Salt:      wire.Salt16(p.Salt),
			Addr:      p.Addr,
		}
		if target.Less(p.ID) && ref.HighPeer == nil {
			ref.HighPeer = info
		} else if p.ID.Less(target) && ref.LowPeer == nil {
			ref.LowPeer = info
		}
		if ref.HighPeer != nil && ref.LowPeer != nil {
			break
		}
	}
	return ref, ref.HighPeer != nil || ref.LowPeer != nil
}

// handleReferral validates embedded identities before learning them,
// then lets discovery decide whether to hop again.
func (n *Node) handleReferral(r wire.Referral) {
	for _, info := range []*wire.PeerInfo{r.HighPeer, r.LowPeer} {
		if info == nil {
			continue
		}
		if !n.checkIdentity(info.ID, [32]byte(info.PublicKey), [16]byte(info.Salt)) {
			n.fraud.Record(resolve.FraudEvent{
				Kind:          resolve.KindInvalidIdentity,
				OffendingPeer: info.ID,
				Detail:        "referred peer failed proof-of-work validation",
			})
			continue
		}
		n.table.Learn(info.ID, [32]byte(info.PublicKey), [16]byte(info.Salt), info.Addr)
		n.teachAddr(info.ID, info.Addr)
	}
	n.disc.OnReferral(r.TargetToken)
}

// handleQueryCommitBlock serves one commit block from the local store.
// Unknown ids go unanswered; the requester's deadline handles it.
func (n *Node) handleQueryCommitBlock(from models.PeerID, q wire.QueryCommitBlock) {
	blk, ok := n.chain.Store().Get(q.CommitBlockID)
	if !ok {
		return
	}
	n.send(from, wire.TypeCommitBlock, wire.CommitBlockMsg{Ticket: q.Ticket, Block: blk})
}

// requestCommitBlock is the bootstrap's RequestFn.
func (n *Node) requestCommitBlock(to models.PeerID, id models.CommitID, ticket uuid.UUID) {
	n.send(to, wire.TypeQueryCommitBlock, wire.QueryCommitBlock{CommitBlockID: id, Ticket: ticket})
}

// sendInvite opens (or reopens) a handshake with a peer.
func (n *Node) sendInvite(id models.PeerID) {
	if !n.table.Invite(id) {
		return
	}
	n.send(id, wire.TypeInvite, wire.Invite{Addr: n.selfAddr})
}

// send seals a payload under our identity and dispatches it.
func (n *Node) send(to models.PeerID, t wire.Type, payload any) {
	env, err := wire.Seal(t, n.ident.PeerID, n.ident.PublicKey, n.ident.Salt, payload)
	if err != nil {
		log.Printf("[Node] Seal %s failed: %v", t, err)
		return
	}
	if err := n.tr.Send(to, env); err != nil {
		log.Printf("[Node] Send %s to %s failed: %v", t, to.Short(), err)
	}
}

// teachAddr records a dialable address when the transport keeps an
// address book.
func (n *Node) teachAddr(id models.PeerID, addr string) {
	if addr == "" {
		return
	}
	if book, ok := n.tr.(transport.AddrBook); ok {
		book.SetAddr(id, addr)
	}
}

// emit pushes an operator event.
func (n *Node) emit(ev Event) {
	if n.onEvent != nil {
		n.onEvent(ev)
	}
}

// InRange reports whether a token falls in this node's region: the
// ring arc between the midpoints to the nearest known neighbor on
// each side. With no known neighbors the node is responsible for
// everything it sees.
func (n *Node) InRange(t models.TokenID) bool {
	asc, desc := n.table.RingNeighbors(1)
	if len(asc) == 0 && len(desc) == 0 {
		return true
	}
	self := n.ident.PeerID
	dist := models.RingDistance(self, t)
	if len(asc) > 0 {
		half := models.ClockwiseDistance(self, asc[0].ID)
		half.Rsh(half, 1)
		if models.ClockwiseDistance(self, t).Cmp(models.ClockwiseDistance(self, asc[0].ID)) <= 0 && dist.Cmp(half) > 0 {
			return false
		}
	}
	if len(desc) > 0 {
		half := models.ClockwiseDistance(desc[0].ID, self)
		half.Rsh(half, 1)
		if models.ClockwiseDistance(t, self).Cmp(models.ClockwiseDistance(desc[0].ID, self)) <= 0 && dist.Cmp(half) > 0 {
			return false
		}
	}
	return true
}

// CommitBatch is the entry point for the external block-batch layer:
// a batch of blocks has committed. The node caches the blocks for
// bootstrap fetches, applies in-range parts through conflict
// resolution, and produces the commit-chain record.
func (n *Node) CommitBatch(logicalTime uint64, blocks []models.Block) (models.CommitBlock, error) {
	ids := make([]models.BlockID, 0, len(blocks))

	n.blocksMu.Lock()
	for _, b := range blocks {
		n.blocks[b.ID] = b
		ids = append(ids, b.ID)
	}
	n.blocksMu.Unlock()

	for _, b := range blocks {
		for i := range b.Parts {
			m := b.Mapping(i)
			if n.InRange(m.Token) {
				outcome := n.resolver.Apply(models.ZeroID, m)
				if outcome != resolve.OutcomeStale && outcome != resolve.OutcomeRejected {
					n.persistMapping(m)
				}
			}
		}
	}

	blk, err := n.chain.Commit(logicalTime, ids)
	if err != nil {
		return models.CommitBlock{}, err
	}
	n.boot.ObserveTime(logicalTime)
	return blk, nil
}

// fetchBlock serves bootstrap lookups from the transaction-block cache.
func (n *Node) fetchBlock(id models.BlockID) (models.Block, bool) {
	n.blocksMu.RLock()
	defer n.blocksMu.RUnlock()
	b, ok := n.blocks[id]
	return b, ok
}

// ProvideBlock lets the block-batch layer pre-seed transaction blocks
// learned from other peers (bootstrap consumes them while applying).
func (n *Node) ProvideBlock(b models.Block) {
	n.blocksMu.Lock()
	n.blocks[b.ID] = b
	n.blocksMu.Unlock()
}

// QueryNetwork launches a query round at the k connected peers nearest
// the lookup token and returns the accepted answers or a timeout.
func (n *Node) QueryNetwork(ctx context.Context, lookup models.TokenID) (query.Result, bool) {
	peers := n.table.ClosestTo(lookup, 8)
	targets := make([]models.PeerID, 0, len(peers))
	for _, p := range peers {
		if p.State == peer.StateConnected {
			targets = append(targets, p.ID)
		}
	}
	if len(targets) == 0 {
		for _, p := range peers {
			targets = append(targets, p.ID)
		}
	}
	if len(targets) == 0 {
		return query.Result{Lookup: lookup}, false
	}

	ch := make(chan query.Result, 1)
	n.engine.Start(lookup, targets, func(r query.Result) {
		select {
		case ch <- r:
		default:
		}
	})

	select {
	case r := <-ch:
		return r, true
	case <-ctx.Done():
		return query.Result{Lookup: lookup}, false
	case <-time.After(15 * time.Second):
		return query.Result{Lookup: lookup}, false
	}
}

// Persistence helpers: write-behind, read-only degradation on failure.

func (n *Node) persistMapping(m models.TokenMapping) {
	if n.pg == nil || n.readOnly.Load() {
		return
	}
	if err := n.pg.SaveMapping(context.Background(), m); err != nil {
		n.storageFailure("token mapping", err)
	}
}

func (n *Node) persistCommit(blk models.CommitBlock) {
	if n.pg == nil || n.readOnly.Load() {
		return
	}
	if err := n.pg.SaveCommitBlock(context.Background(), blk); err != nil {
		n.storageFailure("commit block", err)
	}
}

func (n *Node) persistFraud(ev resolve.FraudEvent) {
	if n.pg == nil || n.readOnly.Load() {
		return
	}
	if err := n.pg.SaveFraudEvent(context.Background(), ev); err != nil {
		n.storageFailure("fraud event", err)
	}
}

// storageFailure flips the node read-only pending operator
// intervention; in-memory operation continues.
func (n *Node) storageFailure(what string, err error) {
	if n.readOnly.CompareAndSwap(false, true) {
		log.Printf("[Node] FATAL storage failure persisting %s: %v — entering read-only mode", what, err)
		n.emit(Event{Type: "storage_failure", Payload: err.Error()})
	}
}

// Reload restores persisted state at startup.
func (n *Node) Reload(ctx context.Context) error {
	if n.pg == nil {
		return nil
	}
	loaded := 0
	if err := n.pg.LoadMappings(ctx, func(m models.TokenMapping) {
		n.store.Set(m)
		loaded++
	}); err != nil {
		return err
	}
	commits := 0
	if err := n.pg.LoadCommitBlocks(ctx, func(blk models.CommitBlock) {
		if blk.Verify() {
			n.chain.Store().Put(blk)
			n.chain.AdoptHead(blk.ID, blk.Time)
			commits++
		}
	}); err != nil {
		return err
	}
	if err := n.pg.LoadPeers(ctx, func(id models.PeerID, pub, salt []byte, addr string) {
		var p [32]byte
		var s [16]byte
		copy(p[:], pub)
		copy(s[:], salt)
		if identity.Validate(id, p, s, n.params) {
			n.table.Learn(id, p, s, addr)
			n.teachAddr(id, addr)
		}
	}); err != nil {
		return err
	}
	log.Printf("[Node] Reloaded %d mappings, %d commit blocks from PostgreSQL", loaded, commits)
	return nil
}
