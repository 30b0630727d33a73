// Package query implements the lookup protocol: answering inbound
// token queries with a mapping plus proof-of-storage trail, and
// aggregating answers from many peers with commonality scoring on the
// requesting side.
package query

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/token-ledger/internal/proof"
	"github.com/rawblock/token-ledger/internal/tokenstore"
	"github.com/rawblock/token-ledger/internal/wire"
	"github.com/rawblock/token-ledger/pkg/models"
)

// SendFn dispatches an envelope to a peer; wired to the transport.
type SendFn func(to models.PeerID, env wire.Envelope) error

// PenalizeFn applies a reputation penalty; wired to the peer table.
type PenalizeFn func(id models.PeerID, amount int)

// ScoredAnswer is one answer with its commonality score attached.
type ScoredAnswer struct {
	From   models.PeerID `json:"from"`
	Answer wire.Answer   `json:"answer"`
	Score  int           `json:"score"`
}

// Result is delivered when a query round completes: the top-k answers
// by commonality.
type Result struct {
	Lookup   models.TokenID `json:"lookupToken"`
	Accepted []ScoredAnswer `json:"accepted"`
	Total    int            `json:"totalAnswers"`
}

// pendingQuery tracks one outstanding query round.
type pendingQuery struct {
	lookup   models.TokenID
	ticket   uuid.UUID
	targets  map[models.PeerID]bool
	answers  []ScoredAnswer
	deadline time.Time
	topK     int
	deliver  func(Result)
}

// Engine routes queries and aggregates answers.
type Engine struct {
	mu sync.Mutex

	self      models.PeerID
	publicKey [32]byte
	salt      [16]byte

	store    tokenstore.Store
	send     SendFn
	penalize PenalizeFn

	pending map[uuid.UUID]*pendingQuery

	// Defaults for query rounds.
	topK     int
	deadline time.Duration
}

// Options tunes query rounds; zero values take defaults.
type Options struct {
	TopK     int
	Deadline time.Duration
}

// NewEngine builds an engine for a node with the given identity
// material, store, and dispatch hooks.
func NewEngine(self models.PeerID, publicKey [32]byte, salt [16]byte,
	store tokenstore.Store, send SendFn, penalize PenalizeFn, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Second
	}
	return &Engine{
		self:      self,
		publicKey: publicKey,
		salt:      salt,
		store:     store,
		send:      send,
		penalize:  penalize,
		pending:   make(map[uuid.UUID]*pendingQuery),
		topK:      opts.TopK,
		deadline:  opts.Deadline,
	}
}

// BuildAnswer produces the responder side of the protocol: the local
// mapping for the lookup token plus the signature trail derived from
// (token, its block, own peer id), and the current chain head.
func (e *Engine) BuildAnswer(q wire.Query, head models.CommitID) wire.Answer {
	ans := wire.Answer{
		Ticket:      q.Ticket,
		LookupToken: q.LookupToken,
		HeadOfChain: head,
	}

	mapping, ok := e.store.Lookup(q.LookupToken)
	var block models.BlockID
	if ok {
		ans.Mapping = &mapping
		block = mapping.Block
	}

	sig := proof.Derive(q.LookupToken, block, e.self)
	ans.Trail = proof.Search(e.store, q.LookupToken, sig)
	return ans
}

// Start dispatches Query(L) to the target peers and registers the
// round. deliver fires once, on completion or deadline expiry.
func (e *Engine) Start(lookup models.TokenID, targets []models.PeerID, deliver func(Result)) uuid.UUID {
	ticket := uuid.New()
	pq := &pendingQuery{
		lookup:   lookup,
		ticket:   ticket,
		targets:  make(map[models.PeerID]bool, len(targets)),
		deadline: time.Now().Add(e.deadline),
		topK:     e.topK,
		deliver:  deliver,
	}

	env, err := wire.Seal(wire.TypeQuery, e.self, e.publicKey, e.salt,
		wire.Query{LookupToken: lookup, Ticket: ticket})
	if err != nil {
		log.Printf("[Query] Seal failed: %v", err)
		return ticket
	}

	for _, target := range targets {
		if target == e.self {
			continue
		}
		pq.targets[target] = true
		if err := e.send(target, env); err != nil {
			log.Printf("[Query] Dispatch to %s failed: %v", target.Short(), err)
			delete(pq.targets, target)
		}
	}

	e.mu.Lock()
	e.pending[ticket] = pq
	e.mu.Unlock()
	return ticket
}

// HandleAnswer ingests one answer. The node has already verified the
// sender's identity; here we verify the trail against the signature
// the responder was bound to, then fold the answer into the round.
func (e *Engine) HandleAnswer(from models.PeerID, ans wire.Answer) {
	e.mu.Lock()
	pq, ok := e.pending[ans.Ticket]
	if !ok || !pq.targets[from] {
		e.mu.Unlock()
		return
	}
	delete(pq.targets, from)

	var block models.BlockID
	if ans.Mapping != nil {
		block = ans.Mapping.Block
	}
	sig := proof.Derive(ans.LookupToken, block, from)
	if !proof.VerifyTrail(ans.Trail, sig) {
		e.mu.Unlock()
		e.penalize(from, 3)
		log.Printf("[Query] Trail verification failed from %s; discarded", from.Short())
		return
	}

	pq.answers = append(pq.answers, ScoredAnswer{From: from, Answer: ans})

	// Every target has spoken; scoring more cannot change anything.
	finished := len(pq.targets) == 0
	if finished {
		delete(e.pending, ans.Ticket)
	}
	e.mu.Unlock()

	if finished {
		e.finish(pq)
	}
}

// Expire sweeps overdue rounds: deliver whatever arrived and penalize
// peers that never answered.
func (e *Engine) Expire(now time.Time) {
	var done []*pendingQuery

	e.mu.Lock()
	for ticket, pq := range e.pending {
		if now.Before(pq.deadline) {
			continue
		}
		delete(e.pending, ticket)
		for silent := range pq.targets {
			e.penalize(silent, 1)
		}
		done = append(done, pq)
	}
	e.mu.Unlock()

	for _, pq := range done {
		e.finish(pq)
	}
}

// finish scores and delivers a completed round.
func (e *Engine) finish(pq *pendingQuery) {
	scored := Score(pq.answers)
	accepted := scored
	if len(accepted) > pq.topK {
		accepted = accepted[:pq.topK]
	}
	if pq.deliver != nil {
		pq.deliver(Result{
			Lookup:   pq.lookup,
			Accepted: accepted,
			Total:    len(scored),
		})
	}
}

// Score ranks answers by commonality: each answer's score is the sum,
// over the tokens it returned, of how many answers in the round
// returned that token. Thin or fabricated trails carry uncommon tokens
// and sink; colluding thin peers cannot lift each other without
// actually storing overlapping dense regions.
func Score(answers []ScoredAnswer) []ScoredAnswer {
	freq := make(map[models.TokenID]int)
	for _, a := range answers {
		for _, t := range answerTokens(a.Answer) {
			freq[t]++
		}
	}

	out := make([]ScoredAnswer, len(answers))
	copy(out, answers)
	for i := range out {
		score := 0
		for _, t := range answerTokens(out[i].Answer) {
			score += freq[t]
		}
		out[i].Score = score
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// answerTokens lists the tokens an answer asserts: the trail tokens
// plus the mapped lookup token itself.
func answerTokens(a wire.Answer) []models.TokenID {
	tokens := make([]models.TokenID, 0, len(a.Trail.Mappings)+1)
	if a.Mapping != nil {
		tokens = append(tokens, a.Mapping.Token)
	}
	for _, m := range a.Trail.Mappings {
		tokens = append(tokens, m.Token)
	}
	return tokens
}
