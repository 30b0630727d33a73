package chain

import (
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/token-ledger/internal/peer"
	"github.com/rawblock/token-ledger/internal/resolve"
	"github.com/rawblock/token-ledger/pkg/models"
)

// SyncState is the per-node bootstrap progression.
type SyncState int

const (
	// StateDiscovering — collecting head_of_chain values until enough
	// tracked peers are known on each ring direction.
	StateDiscovering SyncState = iota
	// StateDownloading — walking back along previous links, throttled
	// per tick, until the age cutoff.
	StateDownloading
	// StateApplying — replaying collected history oldest→newest into
	// the token store.
	StateApplying
	// StateActive — synced; periodically compares heads and
	// incrementally follows.
	StateActive
)

func (s SyncState) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateDownloading:
		return "downloading"
	case StateApplying:
		return "applying"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// BlockFetcher resolves committed block ids to their transaction
// blocks. It is the interface to the external block-batch layer.
type BlockFetcher interface {
	FetchBlock(id models.BlockID) (models.Block, bool)
}

// RequestFn dispatches a QueryCommitBlock to a peer.
type RequestFn func(to models.PeerID, id models.CommitID, ticket uuid.UUID)

// InRangeFn reports whether a token falls in the node's own region.
type InRangeFn func(t models.TokenID) bool

// ApplyFn feeds one token mapping through conflict resolution.
type ApplyFn func(sender models.PeerID, m models.TokenMapping) resolve.Outcome

// BootstrapConfig carries the sync tuning knobs.
type BootstrapConfig struct {
	PeersPerSide        int
	CommitBlocksPerTick int
	TxBlocksPerTick     int
	MaxSyncAge          uint64
	StallTimeout        time.Duration
	PeerRefreshInterval time.Duration
	RequestTimeout      time.Duration
	RetryCap            int
	SpillDir            string
}

// applyDefaults fills zero values with the stock settings.
func (c *BootstrapConfig) applyDefaults() {
	if c.PeersPerSide <= 0 {
		c.PeersPerSide = 2
	}
	if c.CommitBlocksPerTick <= 0 {
		c.CommitBlocksPerTick = 10
	}
	if c.TxBlocksPerTick <= 0 {
		c.TxBlocksPerTick = 50
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 2 * time.Minute
	}
	if c.PeerRefreshInterval <= 0 {
		c.PeerRefreshInterval = time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 3
	}
	if c.SpillDir == "" {
		c.SpillDir = "spill"
	}
}

// trackedPeer is the per-peer sync scratch state.
type trackedPeer struct {
	id     models.PeerID
	head   models.CommitID
	cursor models.CommitID // next commit block to request
	done   bool            // walked past the age cutoff or to genesis
	broken bool            // chain-link fraud; stop syncing from it
	spill  *SpillWriter

	outstanding map[uuid.UUID]pendingRequest
}

type pendingRequest struct {
	id      models.CommitID
	issued  time.Time
	retries int
}

// Bootstrap is the four-state sync machine. It is driven exclusively
// from the node's tick loop; handlers are called from the same loop
// when sync-related messages arrive, so no internal locking is needed.
type Bootstrap struct {
	cfg     BootstrapConfig
	chain   *Chain
	table   *peer.Table
	fraud   *resolve.FraudLog
	request RequestFn
	fetch   BlockFetcher
	apply   ApplyFn
	inRange InRangeFn

	state        SyncState
	tracked      map[models.PeerID]*trackedPeer
	maxSeenTime  uint64 // newest commit-block time observed anywhere
	lastProgress time.Time
	lastRefresh  time.Time

	// Applying scratch: merged history and replay cursors.
	pendingApply []models.CommitBlock
	applyBlock   int // index into pendingApply
	applyTx      int // index into current commit block's Committed
}

// NewBootstrap wires the machine. The node starts it in Discovering.
func NewBootstrap(cfg BootstrapConfig, ch *Chain, table *peer.Table, fraud *resolve.FraudLog,
	request RequestFn, fetch BlockFetcher, apply ApplyFn, inRange InRangeFn) *Bootstrap {
	cfg.applyDefaults()
	return &Bootstrap{
		cfg:          cfg,
		chain:        ch,
		table:        table,
		fraud:        fraud,
		request:      request,
		fetch:        fetch,
		apply:        apply,
		inRange:      inRange,
		state:        StateDiscovering,
		tracked:      make(map[models.PeerID]*trackedPeer),
		lastProgress: time.Now(),
	}
}

// State reports the current sync state.
func (b *Bootstrap) State() SyncState {
	return b.state
}

// Progress summarizes sync for the operator API.
type Progress struct {
	State        string `json:"state"`
	TrackedPeers int    `json:"trackedPeers"`
	Downloaded   int    `json:"downloadedCommitBlocks"`
	Applied      int    `json:"appliedCommitBlocks"`
	PendingApply int    `json:"pendingApply"`
}

// GetProgress returns a snapshot for the API.
func (b *Bootstrap) GetProgress() Progress {
	return Progress{
		State:        b.state.String(),
		TrackedPeers: len(b.tracked),
		Downloaded:   b.chain.Store().Len(),
		Applied:      b.applyBlock,
		PendingApply: len(b.pendingApply) - b.applyBlock,
	}
}

// ObserveHead feeds a head_of_chain value carried on any answer. The
// head is recorded on the peer table and on the tracked peer; it does
// not move the logical clock used for the age cutoff (ObserveTime does).
func (b *Bootstrap) ObserveHead(from models.PeerID, head models.CommitID) {
	if head.IsZero() {
		return
	}
	b.table.UpdateHead(from, head)
	if tp, ok := b.tracked[from]; ok && tp.head != head {
		tp.head = head
	}
}

// ObserveTime advances the logical clock.
func (b *Bootstrap) ObserveTime(t uint64) {
	if t > b.maxSeenTime {
		b.maxSeenTime = t
	}
}

// Tick advances the machine one step. Called once per node tick.
func (b *Bootstrap) Tick(now time.Time) {
	switch b.state {
	case StateDiscovering:
		b.tickDiscovering(now)
	case StateDownloading:
		b.expireRequests(now)
		b.tickDownloading(now)
	case StateApplying:
		b.tickApplying(now)
	case StateActive:
		b.tickActive(now)
	}

	if b.state == StateDownloading || b.state == StateApplying {
		if now.Sub(b.lastProgress) > b.cfg.StallTimeout {
			log.Printf("[Bootstrap] No sync progress in %s; refreshing tracked peers", b.cfg.StallTimeout)
			b.refreshTracked(now)
			b.enterDownloading(now)
		}
	}
}

// tickDiscovering waits for peers_per_side known heads in each ring
// direction, then locks in the tracked set.
func (b *Bootstrap) tickDiscovering(now time.Time) {
	asc, desc := b.table.RingNeighbors(b.cfg.PeersPerSide)
	if countWithHeads(asc) < b.cfg.PeersPerSide || countWithHeads(desc) < b.cfg.PeersPerSide {
		return
	}
	b.refreshTracked(now)
	b.enterDownloading(now)
	log.Printf("[Bootstrap] Tracked peer set sufficient (%d per side); downloading", b.cfg.PeersPerSide)
}

func countWithHeads(peers []peer.Peer) int {
	n := 0
	for _, p := range peers {
		if !p.Head.IsZero() {
			n++
		}
	}
	return n
}

// refreshTracked rebuilds the tracked set from the closest ring
// neighbors with known heads.
func (b *Bootstrap) refreshTracked(now time.Time) {
	asc, desc := b.table.RingNeighbors(b.cfg.PeersPerSide)
	want := make(map[models.PeerID]models.CommitID)
	for _, p := range append(asc, desc...) {
		if !p.Head.IsZero() {
			want[p.ID] = p.Head
		}
	}

	for id, tp := range b.tracked {
		if _, keep := want[id]; !keep {
			if tp.spill != nil {
				_ = tp.spill.Discard()
			}
			delete(b.tracked, id)
		}
	}
	for id, head := range want {
		if _, ok := b.tracked[id]; ok {
			continue
		}
		b.tracked[id] = &trackedPeer{
			id:          id,
			head:        head,
			cursor:      head,
			outstanding: make(map[uuid.UUID]pendingRequest),
		}
	}
	b.lastRefresh = now
}

// enterDownloading (re)opens spill files and resets walk cursors.
func (b *Bootstrap) enterDownloading(now time.Time) {
	for _, tp := range b.tracked {
		if tp.spill == nil {
			w, err := NewSpillWriter(b.cfg.SpillDir, tp.id)
			if err != nil {
				log.Printf("[Bootstrap] Spill open failed for %s: %v", tp.id.Short(), err)
				tp.broken = true
				continue
			}
			tp.spill = w
		}
		if tp.cursor.IsZero() {
			tp.cursor = tp.head
		}
	}
	b.state = StateDownloading
	b.lastProgress = now
}

// tickDownloading issues up to commit_blocks_per_tick requests across
// tracked peers, walking back along previous links.
func (b *Bootstrap) tickDownloading(now time.Time) {
	budget := b.cfg.CommitBlocksPerTick
	allDone := len(b.tracked) > 0

	for _, tp := range b.sortedTracked() {
		if tp.done || tp.broken {
			continue
		}
		allDone = false
		if budget <= 0 {
			break
		}
		if len(tp.outstanding) > 0 {
			continue // one in-flight walk step per peer
		}
		if tp.cursor.IsZero() {
			tp.done = true
			continue
		}
		if blk, ok := b.chain.Store().Get(tp.cursor); ok {
			// Already have this segment locally; keep walking without
			// spending network budget.
			b.stepWalk(tp, blk, false)
			continue
		}
		ticket := uuid.New()
		tp.outstanding[ticket] = pendingRequest{id: tp.cursor, issued: now}
		b.request(tp.id, tp.cursor, ticket)
		budget--
	}

	if allDone {
		b.collectSpills(now)
	}
}

// sortedTracked iterates tracked peers in a stable order so the
// per-tick budget is shared fairly.
func (b *Bootstrap) sortedTracked() []*trackedPeer {
	out := make([]*trackedPeer, 0, len(b.tracked))
	for _, tp := range b.tracked {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.Less(out[j].id) })
	return out
}

// HandleCommitBlock processes a CommitBlock response during sync.
func (b *Bootstrap) HandleCommitBlock(from models.PeerID, ticket uuid.UUID, blk models.CommitBlock) {
	tp, ok := b.tracked[from]
	if !ok {
		return
	}
	req, ok := tp.outstanding[ticket]
	if !ok {
		return
	}
	delete(tp.outstanding, ticket)

	if blk.ID != req.id || !blk.Verify() {
		b.fraud.Record(resolve.FraudEvent{
			Kind:          resolve.KindChainLinkBroken,
			OffendingPeer: from,
			CommitBlock:   req.id,
			Detail:        "commit block response fails hash verification",
		})
		b.table.Penalize(from, 5)
		tp.broken = true
		return
	}

	if err := b.chain.Accept(blk); err != nil {
		b.fraud.Record(resolve.FraudEvent{
			Kind:          resolve.KindChainLinkBroken,
			OffendingPeer: from,
			CommitBlock:   blk.ID,
			Detail:        err.Error(),
		})
		tp.broken = true
		return
	}

	b.stepWalk(tp, blk, true)
	b.ObserveTime(blk.Time)
	b.lastProgress = time.Now()
}

// stepWalk records one walked block and advances the cursor, stopping
// at the age cutoff or chain genesis.
func (b *Bootstrap) stepWalk(tp *trackedPeer, blk models.CommitBlock, spill bool) {
	if spill && tp.spill != nil {
		if err := tp.spill.Append(blk); err != nil {
			log.Printf("[Bootstrap] Spill append failed for %s: %v", tp.id.Short(), err)
		}
	}

	if blk.Previous.IsZero() {
		tp.done = true
		tp.cursor = models.ZeroID
		return
	}
	if b.maxSeenTime > b.cfg.MaxSyncAge && blk.Time < b.maxSeenTime-b.cfg.MaxSyncAge {
		tp.done = true
		return
	}
	tp.cursor = blk.Previous
}

// expireRequests drops timed-out QueryCommitBlock requests, penalizes
// the peer, and retries via a different tracked peer up to the cap.
func (b *Bootstrap) expireRequests(now time.Time) {
	for _, tp := range b.tracked {
		for ticket, req := range tp.outstanding {
			if now.Sub(req.issued) < b.cfg.RequestTimeout {
				continue
			}
			delete(tp.outstanding, ticket)
			b.table.Penalize(tp.id, 1)

			if req.retries >= b.cfg.RetryCap {
				log.Printf("[Bootstrap] Commit block %s unreachable after %d retries", req.id.Short(), req.retries)
				tp.broken = true
				continue
			}
			if alt := b.alternatePeer(tp.id); alt != nil {
				t := uuid.New()
				alt.outstanding[t] = pendingRequest{id: req.id, issued: now, retries: req.retries + 1}
				// The walk continues on the alternate peer's spill.
				alt.cursor = req.id
				alt.done = false
				b.request(alt.id, req.id, t)
			} else {
				t := uuid.New()
				tp.outstanding[t] = pendingRequest{id: req.id, issued: now, retries: req.retries + 1}
				b.request(tp.id, req.id, t)
			}
		}
	}
}

func (b *Bootstrap) alternatePeer(not models.PeerID) *trackedPeer {
	for _, tp := range b.sortedTracked() {
		if tp.id != not && !tp.broken && len(tp.outstanding) == 0 {
			return tp
		}
	}
	return nil
}

// collectSpills merges every tracked peer's downloaded history,
// dedupes by commit id, sorts oldest→newest and enters Applying.
func (b *Bootstrap) collectSpills(now time.Time) {
	seen := make(map[models.CommitID]bool)
	var merged []models.CommitBlock

	for _, tp := range b.sortedTracked() {
		if tp.spill == nil {
			continue
		}
		_ = tp.spill.Close()
		blocks, err := ReadSpillReverse(b.cfg.SpillDir, tp.id)
		if err != nil {
			log.Printf("[Bootstrap] Spill read failed for %s: %v", tp.id.Short(), err)
			continue
		}
		for _, blk := range blocks {
			if !seen[blk.ID] {
				seen[blk.ID] = true
				merged = append(merged, blk)
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Time != merged[j].Time {
			return merged[i].Time < merged[j].Time
		}
		return merged[i].ID.Less(merged[j].ID)
	})

	b.pendingApply = merged
	b.applyBlock = 0
	b.applyTx = 0
	b.state = StateApplying
	b.lastProgress = now
	log.Printf("[Bootstrap] Download complete: %d commit blocks to apply", len(merged))
}

// tickApplying replays collected history into the token store at
// tx_blocks_per_tick transaction blocks per tick, keeping only parts
// in local range.
func (b *Bootstrap) tickApplying(now time.Time) {
	budget := b.cfg.TxBlocksPerTick

	for budget > 0 && b.applyBlock < len(b.pendingApply) {
		cb := b.pendingApply[b.applyBlock]
		for budget > 0 && b.applyTx < len(cb.Committed) {
			blockID := cb.Committed[b.applyTx]
			b.applyTx++
			budget--

			txBlock, ok := b.fetch.FetchBlock(blockID)
			if !ok {
				continue // block unavailable; parts stay unknown until refetched incrementally
			}
			for i := range txBlock.Parts {
				m := txBlock.Mapping(i)
				if b.inRange(m.Token) {
					b.apply(models.ZeroID, m)
				}
			}
		}
		if b.applyTx >= len(cb.Committed) {
			b.applyBlock++
			b.applyTx = 0
			b.lastProgress = now
		}
	}

	if b.applyBlock >= len(b.pendingApply) {
		b.finishApply(now)
	}
}

// finishApply adopts the newest applied head, discards spill files and
// enters Active.
func (b *Bootstrap) finishApply(now time.Time) {
	if n := len(b.pendingApply); n > 0 {
		newest := b.pendingApply[n-1]
		b.chain.AdoptHead(newest.ID, newest.Time)
	}
	for _, tp := range b.tracked {
		if tp.spill != nil {
			_ = tp.spill.Discard()
			tp.spill = nil
		}
		RemoveSpill(b.cfg.SpillDir, tp.id)
	}
	b.pendingApply = nil
	b.state = StateActive
	b.lastProgress = now
	head, t := b.chain.Head()
	log.Printf("[Bootstrap] Sync complete; active at head %s (t=%d)", head.Short(), t)
}

// tickActive periodically refreshes tracked peers and re-enters
// Downloading when a tracked peer advertises a head we do not hold.
func (b *Bootstrap) tickActive(now time.Time) {
	if now.Sub(b.lastRefresh) < b.cfg.PeerRefreshInterval {
		return
	}
	b.refreshTracked(now)

	behind := false
	for _, tp := range b.tracked {
		if !tp.head.IsZero() && !b.chain.Store().Has(tp.head) {
			tp.cursor = tp.head
			tp.done = false
			tp.broken = false
			behind = true
		} else {
			tp.done = true
		}
	}
	if behind {
		log.Printf("[Bootstrap] Tracked head ahead of local chain; incremental sync")
		b.enterDownloading(now)
	}
}
