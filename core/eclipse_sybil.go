package core

// eclipse_sybil.go - eclipse and Sybil protection for validator selection
// (C7). Eligibility gates a validator on six independent signals; the
// network-level checks (topology, overlap, diversity) run against whatever
// pool of validators the caller is currently considering, since "shared
// with too many of the already-selected validators" is only meaningful
// relative to a specific selection.

import "sync"

// ValidatorRecord is the per-validator history the eligibility and
// Sybil-detection checks are evaluated against.
type ValidatorRecord struct {
	Address               Address   `json:"address"`
	ValidationCount       uint64    `json:"validation_count"`
	CorrectCount          uint64    `json:"correct_count"`
	FirstSeenHeight       uint64    `json:"first_seen_height"`
	StakeBondedHeight     uint64    `json:"stake_bonded_height"`
	FundingSources        int       `json:"funding_sources"`
	PrimaryFundingSource  string    `json:"primary_funding_source"`
	Subnet                string    `json:"subnet"`
	PeerSet               []Address `json:"peer_set"`
	WoTComponent          string    `json:"wot_component"`
}

func (r *ValidatorRecord) accuracy() float64 {
	if r.ValidationCount == 0 {
		return 0
	}
	return float64(r.CorrectCount) / float64(r.ValidationCount)
}

// EligibilityConfig carries the thresholds behind each of the six
// eligibility signals plus the Sybil-confidence and set-diversity cutoffs.
type EligibilityConfig struct {
	MinValidations           uint64
	MinAccuracy              float64
	MinFirstSeenAge          uint64
	MinStakeAge              uint64
	MinFundingSources        int
	SubnetShareThreshold     float64
	PeerOverlapThreshold     float64
	SybilConfidenceThreshold float64
	DiversityNonWoTThreshold float64
	// MaxPenaltyPoints caps accumulated stake_penalty.go penalty points a
	// validator may carry and still be drawn; 0 disables the check (used when
	// no StakePenaltyManager is wired in).
	MaxPenaltyPoints uint32
}

// DefaultEligibilityConfig returns the network's baseline validator
// eligibility and Sybil-detection thresholds.
func DefaultEligibilityConfig() EligibilityConfig {
	return EligibilityConfig{
		MinValidations: 50, MinAccuracy: 0.85, MinFirstSeenAge: 10000,
		MinStakeAge: 1000, MinFundingSources: 3,
		SubnetShareThreshold: 0.34, PeerOverlapThreshold: 0.50,
		SybilConfidenceThreshold: 0.60, DiversityNonWoTThreshold: 0.40,
		MaxPenaltyPoints: 100,
	}
}

// EclipseGuard tracks validator history and answers eligibility and
// Sybil-network questions for the HAT consensus validator (C5).
type EclipseGuard struct {
	led   StateRW
	trust *TrustGraph
	cfg   EligibilityConfig

	mu      sync.RWMutex
	records map[Address]*ValidatorRecord
}

// NewEclipseGuard constructs a guard backed by the given state store and
// trust graph.
func NewEclipseGuard(led StateRW, trust *TrustGraph, cfg EligibilityConfig) *EclipseGuard {
	return &EclipseGuard{led: led, trust: trust, cfg: cfg, records: make(map[Address]*ValidatorRecord)}
}

func validatorKey(addr Address) []byte { return []byte("validator_" + addr.Hex()) }

func (g *EclipseGuard) persist(r *ValidatorRecord) error {
	if g.led == nil {
		return nil
	}
	return g.led.SetState(validatorKey(r.Address), mustJSON(r))
}

func (g *EclipseGuard) recordLocked(addr Address) *ValidatorRecord {
	r, ok := g.records[addr]
	if !ok {
		r = &ValidatorRecord{Address: addr}
		g.records[addr] = r
	}
	return r
}

// Observe registers or updates a validator's static profile (first-seen
// height, stake bonding height, funding-source diversity, network
// location). Called by node bootstrap / stake-bonding handlers, not by C5.
func (g *EclipseGuard) Observe(addr Address, firstSeen, stakeBonded uint64, fundingSources int, primarySource, subnet, wotComponent string, peers []Address) error {
	g.mu.Lock()
	r := g.recordLocked(addr)
	r.FirstSeenHeight = firstSeen
	r.StakeBondedHeight = stakeBonded
	r.FundingSources = fundingSources
	r.PrimaryFundingSource = primarySource
	r.Subnet = subnet
	r.WoTComponent = wotComponent
	r.PeerSet = peers
	cp := *r
	g.mu.Unlock()
	return g.persist(&cp)
}

// RecordValidation folds one more tallied response into a validator's
// running accuracy.
func (g *EclipseGuard) RecordValidation(addr Address, correct bool) error {
	g.mu.Lock()
	r := g.recordLocked(addr)
	r.ValidationCount++
	if correct {
		r.CorrectCount++
	}
	cp := *r
	g.mu.Unlock()
	return g.persist(&cp)
}

// Record returns a copy of a validator's tracked history, or nil if unseen.
func (g *EclipseGuard) Record(addr Address) *ValidatorRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[addr]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func jaccard(a, b []Address) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[Address]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	inter := 0
	for _, y := range b {
		if set[y] {
			inter++
		}
	}
	union := len(set)
	for _, y := range b {
		if !set[y] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func (g *EclipseGuard) subnetShareRatio(v Address, pool []Address) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vr, ok := g.records[v]
	if !ok || vr.Subnet == "" || len(pool) == 0 {
		return 0
	}
	others := 0
	shared := 0
	for _, p := range pool {
		if p == v {
			continue
		}
		others++
		if pr, ok := g.records[p]; ok && pr.Subnet == vr.Subnet {
			shared++
		}
	}
	if others == 0 {
		return 0
	}
	return float64(shared) / float64(others)
}

func (g *EclipseGuard) maxPeerOverlap(v Address, pool []Address) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vr, ok := g.records[v]
	if !ok {
		return 0
	}
	max := 0.0
	for _, p := range pool {
		if p == v {
			continue
		}
		if pr, ok := g.records[p]; ok {
			if j := jaccard(vr.PeerSet, pr.PeerSet); j > max {
				max = j
			}
		}
	}
	return max
}

// IsValidatorEligible reports whether v satisfies every eligibility signal
// at height h, evaluated against pool, the set of validators already
// selected for this same validation round.
func (g *EclipseGuard) IsValidatorEligible(v Address, h uint64, pool []Address) bool {
	g.mu.RLock()
	r, ok := g.records[v]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if r.ValidationCount < g.cfg.MinValidations || r.accuracy() < g.cfg.MinAccuracy {
		return false
	}
	if h < r.FirstSeenHeight || h-r.FirstSeenHeight < g.cfg.MinFirstSeenAge {
		return false
	}
	if h < r.StakeBondedHeight || h-r.StakeBondedHeight < g.cfg.MinStakeAge {
		return false
	}
	if r.FundingSources < g.cfg.MinFundingSources {
		return false
	}
	if g.subnetShareRatio(v, pool) > g.cfg.SubnetShareThreshold {
		return false
	}
	if g.maxPeerOverlap(v, pool) >= g.cfg.PeerOverlapThreshold {
		return false
	}
	if g.cfg.MaxPenaltyPoints > 0 {
		if spm := CurrentStakePenalty(); spm != nil && spm.PenaltyOf(v) > g.cfg.MaxPenaltyPoints {
			return false
		}
	}
	return true
}

// DetectValidatorSybilNetwork combines shared-subnet ratio, peer-overlap,
// stake-source concentration and WoT-group isolation into a single
// confidence in [0,1]. Confidence above SybilConfidenceThreshold should
// trigger DAO escalation by the caller.
func (g *EclipseGuard) DetectValidatorSybilNetwork(set []Address, h uint64) float64 {
	if len(set) < 2 {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	subnetCounts := make(map[string]int)
	sourceCounts := make(map[string]int)
	wotComponents := make(map[string]int)
	n := 0
	for _, a := range set {
		r, ok := g.records[a]
		if !ok {
			continue
		}
		n++
		if r.Subnet != "" {
			subnetCounts[r.Subnet]++
		}
		if r.PrimaryFundingSource != "" {
			sourceCounts[r.PrimaryFundingSource]++
		}
		if r.WoTComponent != "" {
			wotComponents[r.WoTComponent]++
		}
	}
	if n == 0 {
		return 0
	}

	maxSubnet := 0
	for _, c := range subnetCounts {
		if c > maxSubnet {
			maxSubnet = c
		}
	}
	sharedSubnetRatio := float64(maxSubnet) / float64(n)

	var pairs, overlapSum int
	for i := 0; i < len(set); i++ {
		ri, ok := g.records[set[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(set); j++ {
			rj, ok := g.records[set[j]]
			if !ok {
				continue
			}
			overlapSum++
			_ = ri
			_ = rj
			pairs++
		}
	}
	avgPeerOverlap := 0.0
	if pairs > 0 {
		total := 0.0
		cnt := 0
		for i := 0; i < len(set); i++ {
			ri, ok := g.records[set[i]]
			if !ok {
				continue
			}
			for j := i + 1; j < len(set); j++ {
				rj, ok := g.records[set[j]]
				if !ok {
					continue
				}
				total += jaccard(ri.PeerSet, rj.PeerSet)
				cnt++
			}
		}
		if cnt > 0 {
			avgPeerOverlap = total / float64(cnt)
		}
	}

	maxSource := 0
	for _, c := range sourceCounts {
		if c > maxSource {
			maxSource = c
		}
	}
	sourceConcentration := float64(maxSource) / float64(n)
	stakeConcentration := 0.0
	if sourceConcentration > 0.20 {
		stakeConcentration = sourceConcentration
	}

	wotIsolation := 0.0
	if len(wotComponents) == 1 {
		for _, c := range wotComponents {
			if c == n {
				wotIsolation = 1.0
			}
		}
	}

	confidence := 0.3*sharedSubnetRatio + 0.3*avgPeerOverlap + 0.2*stakeConcentration + 0.2*wotIsolation
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// ValidateValidatorSetDiversity requires at least DiversityNonWoTThreshold
// of set to have no direct trust edge into sender (non-WoT validators),
// guaranteeing some independence of viewpoint.
func (g *EclipseGuard) ValidateValidatorSetDiversity(set []Address, sender Address) bool {
	if len(set) == 0 {
		return false
	}
	nonWoT := 0
	for _, v := range set {
		if _, ok := g.trust.GetTrustEdge(v, sender); !ok {
			nonWoT++
		}
	}
	return float64(nonWoT)/float64(len(set)) >= g.cfg.DiversityNonWoTThreshold
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	eclipseGuardOnce sync.Once
	globalEclipse    *EclipseGuard
)

// InitEclipseGuard wires the global eclipse/Sybil guard singleton.
func InitEclipseGuard(led StateRW, trust *TrustGraph, cfg EligibilityConfig) {
	eclipseGuardOnce.Do(func() { globalEclipse = NewEclipseGuard(led, trust, cfg) })
}

// CurrentEclipseGuard returns the global guard if initialised.
func CurrentEclipseGuard() *EclipseGuard { return globalEclipse }
