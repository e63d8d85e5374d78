package core

// trust_graph.go - the personalised web-of-trust graph (C2). Every viewer's
// reputation of a target is computed from the viewer's own outgoing edges;
// there is no single "global" trust score. Edges are bonded (weight changes
// cost stake) so that spamming the graph with noise edges is not free.

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientBond = errors.New("trust graph: insufficient bond")
	ErrSelfTrust        = errors.New("trust graph: self trust not allowed")
	ErrWeightOutOfRange = errors.New("trust graph: weight out of range")
	ErrDuplicateBondTx  = errors.New("trust graph: duplicate bond tx")
	ErrDisputeNotFound  = errors.New("trust graph: dispute not found")
	ErrVoteNotFound     = errors.New("trust graph: bonded vote not found")
)

// TrustEdge is a single directed, weighted trust relation from one address to
// another. Weight is personalised: it only reflects how "from" views "to".
type TrustEdge struct {
	From       Address `json:"from"`
	To         Address `json:"to"`
	Weight     int16   `json:"weight"`
	CreatedAt  int64   `json:"created_at"`
	BondAmount uint64  `json:"bond_amount"`
	BondTx     string  `json:"bond_tx"`
	Slashed    bool    `json:"slashed"`
	Reason     string  `json:"reason"`
	// Inherited marks an edge created by cluster trust inheritance (C3)
	// rather than a direct bonded action by "from".
	Inherited bool `json:"inherited,omitempty"`
}

// BondedVote is a stake-backed reputation vote, identified by its bond
// transaction rather than a sequence number so duplicates are detectable
// without a separate index.
type BondedVote struct {
	Voter     Address `json:"voter"`
	Target    Address `json:"target"`
	Value     int16   `json:"value"`
	Bond      uint64  `json:"bond"`
	BondTx    string  `json:"bond_tx"`
	Timestamp int64   `json:"ts"`
	Slashed   bool    `json:"slashed"`
	SlashTx   string  `json:"slash_tx,omitempty"`
	Reason    string  `json:"reason"`
}

// DAODispute challenges a bonded vote. Its phase machine and reward
// distribution live in the commit-reveal voting module; this file only owns
// its CRUD lifecycle and persistence.
type DAODispute struct {
	ID                   string             `json:"id"`
	DisputedVoteTx       string             `json:"disputed_vote_tx"`
	Challenger           Address            `json:"challenger"`
	ChallengeBond        uint64             `json:"challenge_bond"`
	Reason               string             `json:"reason"`
	CreatedAt            int64              `json:"created_ts"`
	DAOVotes             map[string]bool    `json:"dao_votes"`
	DAOStakes            map[string]uint64  `json:"dao_stakes"`
	Resolved             bool               `json:"resolved"`
	SlashDecision        bool               `json:"slash_decision"`
	ResolvedAt           int64              `json:"resolved_ts"`
	CommitPhaseStart     uint64             `json:"commit_phase_start"`
	RevealPhaseStart     uint64             `json:"reveal_phase_start"`
	UseCommitReveal      bool               `json:"use_commit_reveal"`
	RewardsDistributed   bool               `json:"rewards_distributed"`
	RewardDistributionID string             `json:"reward_distribution_id,omitempty"`
}

// TrustGraphConfig carries the only trust-graph knobs an implementation is
// required to expose (see the persistent configuration surface).
type TrustGraphConfig struct {
	MinBondFloor      uint64
	BondPerVotePoint  uint64
	MaxTrustPathDepth int
}

// DefaultTrustGraphConfig returns the network's baseline bonding and
// path-depth parameters.
func DefaultTrustGraphConfig() TrustGraphConfig {
	return TrustGraphConfig{MinBondFloor: 1, BondPerVotePoint: 0, MaxTrustPathDepth: 3}
}

// TrustGraph is a directed sparse graph indexed by both source and
// destination so outgoing and incoming queries are both O(degree). Edges
// hold only address pairs; neither endpoint owns the other.
type TrustGraph struct {
	led StateRW
	cfg TrustGraphConfig

	edgesMu   sync.RWMutex
	outgoing  map[Address]map[Address]*TrustEdge
	incoming  map[Address]map[Address]*TrustEdge

	votesMu sync.RWMutex
	votes   map[string]*BondedVote

	disputesMu sync.RWMutex
	disputes   map[string]*DAODispute
}

// NewTrustGraph constructs an empty graph backed by the given state store.
func NewTrustGraph(led StateRW, cfg TrustGraphConfig) *TrustGraph {
	if cfg.MaxTrustPathDepth <= 0 {
		cfg.MaxTrustPathDepth = 3
	}
	return &TrustGraph{
		led:      led,
		cfg:      cfg,
		outgoing: make(map[Address]map[Address]*TrustEdge),
		incoming: make(map[Address]map[Address]*TrustEdge),
		votes:    make(map[string]*BondedVote),
		disputes: make(map[string]*DAODispute),
	}
}

// MinBond returns the minimum bond required to set an edge or cast a bonded
// vote of the given magnitude.
func (g *TrustGraph) MinBond(weight int16) uint64 {
	v := weight
	if v < 0 {
		v = -v
	}
	return g.cfg.MinBondFloor + uint64(v)*g.cfg.BondPerVotePoint
}

func trustEdgeKey(from, to Address) []byte {
	return []byte(fmt.Sprintf("trust_edge_%s_%s", from.Hex(), to.Hex()))
}

// AddTrustEdge inserts or replaces the edge from->to. Any prior edge between
// the same pair is overwritten, including its slashed flag.
func (g *TrustGraph) AddTrustEdge(from, to Address, weight int16, bondAmount uint64, bondTx, reason string, now int64) (*TrustEdge, error) {
	if from == to {
		return nil, ErrSelfTrust
	}
	if weight == 0 || weight < -100 || weight > 100 {
		return nil, ErrWeightOutOfRange
	}
	if bondAmount < g.MinBond(weight) {
		return nil, ErrInsufficientBond
	}

	edge := &TrustEdge{
		From:       from,
		To:         to,
		Weight:     weight,
		CreatedAt:  now,
		BondAmount: bondAmount,
		BondTx:     bondTx,
		Reason:     reason,
	}

	g.edgesMu.Lock()
	g.insertEdgeLocked(edge)
	g.edgesMu.Unlock()

	if err := g.persistEdge(edge); err != nil {
		return nil, err
	}
	return edge, nil
}

func (g *TrustGraph) insertEdgeLocked(e *TrustEdge) {
	if g.outgoing[e.From] == nil {
		g.outgoing[e.From] = make(map[Address]*TrustEdge)
	}
	if g.incoming[e.To] == nil {
		g.incoming[e.To] = make(map[Address]*TrustEdge)
	}
	g.outgoing[e.From][e.To] = e
	g.incoming[e.To][e.From] = e
}

func (g *TrustGraph) persistEdge(e *TrustEdge) error {
	if g.led == nil {
		return nil
	}
	return g.led.SetState(trustEdgeKey(e.From, e.To), mustJSON(e))
}

// GetTrustEdge returns the edge from->to, if any.
func (g *TrustGraph) GetTrustEdge(from, to Address) (*TrustEdge, bool) {
	g.edgesMu.RLock()
	defer g.edgesMu.RUnlock()
	m := g.outgoing[from]
	if m == nil {
		return nil, false
	}
	e, ok := m[to]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// GetOutgoing returns all edges originating at from, sorted by destination.
func (g *TrustGraph) GetOutgoing(from Address) []TrustEdge {
	g.edgesMu.RLock()
	defer g.edgesMu.RUnlock()
	return sortedEdges(g.outgoing[from])
}

// GetIncoming returns all edges terminating at to, sorted by source.
func (g *TrustGraph) GetIncoming(to Address) []TrustEdge {
	g.edgesMu.RLock()
	defer g.edgesMu.RUnlock()
	return sortedEdges(g.incoming[to])
}

func sortedEdges(m map[Address]*TrustEdge) []TrustEdge {
	out := make([]TrustEdge, 0, len(m))
	for _, e := range m {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return addrLess(out[i].To, out[j].To) || addrLess(out[i].From, out[j].From)
	})
	return out
}

func addrLess(a, b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// sortedOutgoing returns the non-slashed, non-self-loop out-edges of cur in
// stable sorted-by-destination order, the traversal order find_paths relies
// on for deterministic enumeration across nodes.
func (g *TrustGraph) sortedOutgoing(cur Address) []TrustEdge {
	g.edgesMu.RLock()
	m := g.outgoing[cur]
	edges := make([]TrustEdge, 0, len(m))
	for _, e := range m {
		if e.Slashed || e.From == e.To {
			continue
		}
		edges = append(edges, *e)
	}
	g.edgesMu.RUnlock()
	sort.Slice(edges, func(i, j int) bool { return addrLess(edges[i].To, edges[j].To) })
	return edges
}

// FindPaths enumerates every simple path from "from" to "to" with at most
// maxDepth hops, visiting children in sorted-by-destination order so every
// node in the network computes an identical result for the same graph state.
func (g *TrustGraph) FindPaths(from, to Address, maxDepth int) [][]TrustEdge {
	if maxDepth <= 0 {
		maxDepth = g.cfg.MaxTrustPathDepth
	}
	var results [][]TrustEdge
	visited := map[Address]bool{from: true}
	var path []TrustEdge

	var dfs func(cur Address, depth int)
	dfs = func(cur Address, depth int) {
		if depth >= maxDepth {
			return
		}
		for _, e := range g.sortedOutgoing(cur) {
			if visited[e.To] {
				continue
			}
			path = append(path, e)
			if e.To == to {
				cp := make([]TrustEdge, len(path))
				copy(cp, path)
				results = append(results, cp)
			} else {
				visited[e.To] = true
				dfs(e.To, depth+1)
				delete(visited, e.To)
			}
			path = path[:len(path)-1]
		}
	}
	dfs(from, 0)
	return results
}

// WeightedReputation sums the product of hop weights (each divided by 100)
// over every simple path from viewer to target of at most maxDepth hops.
// Returns 0 if viewer == target or no path exists.
func (g *TrustGraph) WeightedReputation(viewer, target Address, maxDepth int) float64 {
	if viewer == target {
		return 0
	}
	total := 0.0
	for _, p := range g.FindPaths(viewer, target, maxDepth) {
		product := 1.0
		for _, e := range p {
			product *= float64(e.Weight) / 100.0
		}
		total += product
	}
	return total
}

// InheritTrustForNewMember copies every incoming edge targeting an existing
// cluster member so it also targets the new member, preserving weight, bond
// and reason and marking the copy as inherited. A pre-existing edge from the
// same source into the new member always wins over an inherited one (the
// open tie-break question is resolved in favour of the address's own prior
// trust relations). Returns the number of edges actually inherited.
func (g *TrustGraph) InheritTrustForNewMember(newMember Address, existingMembers []Address, now int64) (int, error) {
	type pending struct {
		from Address
		src  TrustEdge
	}
	var toInherit []pending

	g.edgesMu.RLock()
	seenFrom := make(map[Address]bool)
	for _, member := range existingMembers {
		if member == newMember {
			continue
		}
		for from, e := range g.incoming[member] {
			if from == newMember || e.Slashed {
				continue
			}
			if seenFrom[from] {
				continue
			}
			if _, already := g.outgoing[from][newMember]; already {
				continue
			}
			seenFrom[from] = true
			toInherit = append(toInherit, pending{from: from, src: *e})
		}
	}
	g.edgesMu.RUnlock()

	sort.Slice(toInherit, func(i, j int) bool { return addrLess(toInherit[i].from, toInherit[j].from) })

	count := 0
	for _, p := range toInherit {
		edge := &TrustEdge{
			From:       p.from,
			To:         newMember,
			Weight:     p.src.Weight,
			CreatedAt:  now,
			BondAmount: p.src.BondAmount,
			BondTx:     p.src.BondTx,
			Reason:     p.src.Reason,
			Inherited:  true,
		}
		g.edgesMu.Lock()
		g.insertEdgeLocked(edge)
		g.edgesMu.Unlock()
		if err := g.persistEdge(edge); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ReconcileClusterEdges implements the cluster-merge union rule: when the
// same source address holds edges into more than one member of the
// (now-merged) cluster with conflicting weights, the most recently created
// edge wins and every other member's edge from that source is rewritten to
// match its weight, bond and reason.
func (g *TrustGraph) ReconcileClusterEdges(members []Address, now int64) (int, error) {
	bySource := make(map[Address][]TrustEdge)
	g.edgesMu.RLock()
	for _, m := range members {
		for from, e := range g.incoming[m] {
			if e.Slashed {
				continue
			}
			bySource[from] = append(bySource[from], *e)
		}
	}
	g.edgesMu.RUnlock()

	updated := 0
	for from, edges := range bySource {
		if len(edges) < 2 {
			continue
		}
		winner := edges[0]
		for _, e := range edges[1:] {
			if e.CreatedAt > winner.CreatedAt {
				winner = e
			}
		}
		for _, e := range edges {
			if e.To == winner.To || (e.Weight == winner.Weight && e.BondAmount == winner.BondAmount) {
				continue
			}
			merged := &TrustEdge{
				From:       from,
				To:         e.To,
				Weight:     winner.Weight,
				CreatedAt:  now,
				BondAmount: winner.BondAmount,
				BondTx:     winner.BondTx,
				Reason:     winner.Reason,
				Inherited:  true,
			}
			g.edgesMu.Lock()
			g.insertEdgeLocked(merged)
			g.edgesMu.Unlock()
			if err := g.persistEdge(merged); err != nil {
				return updated, err
			}
			updated++
		}
	}
	return updated, nil
}

//---------------------------------------------------------------------
// Bonded votes
//---------------------------------------------------------------------

func bondedVoteKey(bondTx string) []byte { return []byte("bonded_vote_" + bondTx) }

// RecordBondedVote persists a stake-backed vote. Duplicate bond_tx values are
// rejected so the same bond cannot back two votes.
func (g *TrustGraph) RecordBondedVote(v BondedVote) error {
	if v.Bond < g.MinBond(v.Value) {
		return ErrInsufficientBond
	}
	g.votesMu.Lock()
	defer g.votesMu.Unlock()
	if _, exists := g.votes[v.BondTx]; exists {
		return ErrDuplicateBondTx
	}
	cp := v
	g.votes[v.BondTx] = &cp
	if g.led == nil {
		return nil
	}
	return g.led.SetState(bondedVoteKey(v.BondTx), mustJSON(&cp))
}

// RecordLegacyVote persists an unbonded vote (the legacy VOTE op, predating
// bonded voting). It skips the minimum-bond check entirely rather than
// requiring a zero bond to clear it, since legacy votes carry no economic
// backing and therefore no dispute/slash protection either.
func (g *TrustGraph) RecordLegacyVote(v BondedVote) error {
	g.votesMu.Lock()
	defer g.votesMu.Unlock()
	if _, exists := g.votes[v.BondTx]; exists {
		return ErrDuplicateBondTx
	}
	cp := v
	cp.Bond = 0
	g.votes[v.BondTx] = &cp
	if g.led == nil {
		return nil
	}
	return g.led.SetState(bondedVoteKey(v.BondTx), mustJSON(&cp))
}

// GetBondedVote returns the vote recorded under the given bond transaction.
func (g *TrustGraph) GetBondedVote(bondTx string) (*BondedVote, bool) {
	g.votesMu.RLock()
	defer g.votesMu.RUnlock()
	v, ok := g.votes[bondTx]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// SlashVote marks a bonded vote as slashed. Idempotent: slashing an
// already-slashed vote again is a no-op that still records the latest
// slash_tx.
func (g *TrustGraph) SlashVote(bondTx, slashTx string) error {
	g.votesMu.Lock()
	defer g.votesMu.Unlock()
	v, ok := g.votes[bondTx]
	if !ok {
		return ErrVoteNotFound
	}
	v.Slashed = true
	v.SlashTx = slashTx
	if g.led == nil {
		return nil
	}
	return g.led.SetState(bondedVoteKey(bondTx), mustJSON(v))
}

//---------------------------------------------------------------------
// DAO disputes (CRUD; phase machine and rewards live in dispute_voting.go)
//---------------------------------------------------------------------

func disputeKey(id string) []byte { return []byte("dispute_" + id) }

// CreateDispute opens a dispute against a previously recorded bonded vote.
// commitPhaseStart and the commit/reveal durations are supplied by the
// caller (the commit-reveal module owns those configuration knobs).
func (g *TrustGraph) CreateDispute(disputedVoteTx string, challenger Address, challengeBond uint64, reason string, now int64, commitPhaseStart uint64, commitDur, revealDur uint64, useCommitReveal bool) (*DAODispute, error) {
	d := &DAODispute{
		ID:               uuid.New().String(),
		DisputedVoteTx:   disputedVoteTx,
		Challenger:       challenger,
		ChallengeBond:    challengeBond,
		Reason:           reason,
		CreatedAt:        now,
		DAOVotes:         make(map[string]bool),
		DAOStakes:        make(map[string]uint64),
		CommitPhaseStart: commitPhaseStart,
		RevealPhaseStart: commitPhaseStart + commitDur,
		UseCommitReveal:  useCommitReveal,
	}
	_ = revealDur // retained for symmetry with the resolvable height the caller computes

	g.disputesMu.Lock()
	g.disputes[d.ID] = d
	g.disputesMu.Unlock()

	if err := g.persistDispute(d); err != nil {
		return nil, err
	}

	if voteTx, ok := g.GetBondedVote(disputedVoteTx); ok {
		if _, err := OpenZTChannel(challenger, voteTx.Voter); err != nil {
			logrus.WithError(err).Debug("dispute: evidence channel not opened")
		}
	}
	return d, nil
}

func (g *TrustGraph) persistDispute(d *DAODispute) error {
	if g.led == nil {
		return nil
	}
	return g.led.SetState(disputeKey(d.ID), mustJSON(d))
}

// GetDispute returns the dispute with the given id.
func (g *TrustGraph) GetDispute(id string) (*DAODispute, bool) {
	g.disputesMu.RLock()
	defer g.disputesMu.RUnlock()
	d, ok := g.disputes[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// VoteOnDispute records a DAO member's raw (non-commit-reveal) vote on
// whether the disputed bonded vote should be slashed.
func (g *TrustGraph) VoteOnDispute(id string, voter Address, slash bool, stake uint64) error {
	g.disputesMu.Lock()
	defer g.disputesMu.Unlock()
	d, ok := g.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Resolved {
		return ErrInvalidState
	}
	d.DAOVotes[voter.Hex()] = slash
	d.DAOStakes[voter.Hex()] = stake
	return g.persistDispute(d)
}

// ResolveDispute records the DAO's final slash/keep decision. Reward
// distribution is a separate step so it can be retried independently of the
// resolution itself.
func (g *TrustGraph) ResolveDispute(id string, slashDecision bool, now int64) error {
	g.disputesMu.Lock()
	defer g.disputesMu.Unlock()
	d, ok := g.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Resolved {
		return ErrInvalidState
	}
	d.Resolved = true
	d.SlashDecision = slashDecision
	d.ResolvedAt = now
	return g.persistDispute(d)
}

// MarkRewardsDistributed flips the one-shot rewards_distributed flag.
// Re-distribution attempts after this call return ErrInvalidState.
func (g *TrustGraph) MarkRewardsDistributed(id, distributionID string) error {
	g.disputesMu.Lock()
	defer g.disputesMu.Unlock()
	d, ok := g.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.RewardsDistributed {
		return ErrInvalidState
	}
	d.RewardsDistributed = true
	d.RewardDistributionID = distributionID
	return g.persistDispute(d)
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	trustGraphOnce sync.Once
	globalTrust    *TrustGraph
)

// InitTrustGraph wires the global trust graph singleton.
func InitTrustGraph(led StateRW, cfg TrustGraphConfig) {
	trustGraphOnce.Do(func() { globalTrust = NewTrustGraph(led, cfg) })
}

// CurrentTrustGraph returns the global trust graph if initialised.
func CurrentTrustGraph() *TrustGraph { return globalTrust }
