package core

// hat_consensus.go - the HAT v2 (Hybrid Authority-Trust) consensus validator
// (C5). A pseudo-random, deterministic subset of eligible validators is drawn
// for each transaction. The transaction's sender embeds a self-declared
// HATv2Score; each drawn validator independently recomputes that score from
// its own view of the sender (behaviour and temporal history, an economic
// read, and a web-of-trust component) and signs a vote comparing its
// calculation against the sender's claim. Responses that don't verify are
// dropped before tallying; a round that clears both the weighted-vote and
// WoT-coverage thresholds resolves to accept or reject, and anything else is
// escalated to DAO review rather than defaulted either way.

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	hatMinValidators        = 10
	hatConsensusThreshold   = 0.70
	hatWoTCoverageThreshold = 0.30
	hatScoreTolerance       = 5.0
	hatWoTVoteWeight        = 1.0
	hatNonWoTVoteWeight     = 0.5
	hatValidationTimeout    = 30 * time.Second

	// HATv2Score component weights; must sum to 1.
	hatBehaviorWeight = 0.40
	hatWoTWeight       = 0.30
	hatEconomicWeight  = 0.20
	hatTemporalWeight  = 0.10
)

// ValidationVote is the closed set of votes a validator may cast on a
// transaction's validity score.
type ValidationVote string

const (
	VoteAccept  ValidationVote = "accept"
	VoteReject  ValidationVote = "reject"
	VoteAbstain ValidationVote = "abstain"
)

var (
	// ErrConsensusUnreachable indicates the validator pool could not reach the
	// consensus threshold; the caller is expected to escalate to DAO review
	// rather than treat this as accept or reject.
	ErrConsensusUnreachable = errors.New("hat consensus: threshold unreachable, escalate to DAO review")

	// ErrInsufficientValidators indicates fewer than hatMinValidators eligible
	// validators were available for the round.
	ErrInsufficientValidators = errors.New("hat consensus: insufficient eligible validators")

	// ErrNonceMismatch indicates a validator response's nonce does not echo
	// the request it claims to answer.
	ErrNonceMismatch = errors.New("hat consensus: validator response nonce mismatch")

	// ErrSignatureInvalid indicates a validator response's signature does not
	// verify under its embedded pubkey, or that pubkey does not hash to the
	// claimed validator address.
	ErrSignatureInvalid = errors.New("hat consensus: validator response signature invalid")
)

// HATv2Score is the four-component reputation score HAT v2 validation rounds
// are built from: 40% behaviour, 30% web-of-trust, 20% economic and 10%
// temporal, clamped to [0,100].
type HATv2Score struct {
	Address          Address `json:"address"`
	FinalScore       int16   `json:"final_score"`
	Timestamp        int64   `json:"ts"`
	Behavior         float64 `json:"behavior"`
	WoT              float64 `json:"wot"`
	Economic         float64 `json:"economic"`
	Temporal         float64 `json:"temporal"`
	HasWoTConnection bool    `json:"has_wot_connection"`
	WoTPathCount     uint32  `json:"wot_path_count"`
	WoTPathStrength  float64 `json:"wot_path_strength"`
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// composeHATv2Score combines a behaviour/economic/temporal reading with a
// web-of-trust path count and strength into a clamped final score.
func composeHATv2Score(address Address, behavior, economic, temporal float64, pathCount uint32, pathStrength float64, ts int64) HATv2Score {
	hasWoT := pathCount > 0
	wot := 0.0
	if hasWoT {
		wot = clamp100(pathStrength * 100)
	}
	behavior, economic, temporal = clamp100(behavior), clamp100(economic), clamp100(temporal)
	final := hatBehaviorWeight*behavior + hatWoTWeight*wot + hatEconomicWeight*economic + hatTemporalWeight*temporal
	return HATv2Score{
		Address: address, FinalScore: int16(math.Round(clamp100(final))), Timestamp: ts,
		Behavior: behavior, WoT: wot, Economic: economic, Temporal: temporal,
		HasWoTConnection: hasWoT, WoTPathCount: pathCount, WoTPathStrength: pathStrength,
	}
}

// nonWoTComposite re-weights the three non-WoT components to sum to 1, used
// when a validator has no trust path to the sender and can only compare
// claims on the components it is actually able to observe.
func nonWoTComposite(s HATv2Score) float64 {
	const sum = hatBehaviorWeight + hatEconomicWeight + hatTemporalWeight
	return (hatBehaviorWeight*s.Behavior + hatEconomicWeight*s.Economic + hatTemporalWeight*s.Temporal) / sum
}

// ValidationRequest is the challenge distributed to the drawn validator
// subset: the sender's self-declared score, bound to the transaction and
// block height by a nonce so a response cannot be replayed against another
// round.
type ValidationRequest struct {
	Tx          Hash       `json:"tx"`
	Sender      Address    `json:"sender"`
	Claimed     HATv2Score `json:"claimed_score"`
	Nonce       Hash       `json:"nonce"`
	Timestamp   int64      `json:"ts"`
	BlockHeight uint64     `json:"block_height"`
}

// validationNonce derives H(tx||block_height), binding a request (and every
// response to it) to one specific round.
func validationNonce(txHash Hash, height uint64) Hash {
	buf := make([]byte, len(txHash)+8)
	copy(buf, txHash[:])
	binary.BigEndian.PutUint64(buf[len(txHash):], height)
	return sha256.Sum256(buf)
}

// NewValidationRequest builds the request for tx's sender-declared score at
// the given height.
func NewValidationRequest(tx *Transaction, claimed HATv2Score, height uint64) ValidationRequest {
	return ValidationRequest{
		Tx: tx.Hash, Sender: tx.SenderAddress(), Claimed: claimed,
		Nonce: validationNonce(tx.Hash, height), Timestamp: tx.Timestamp, BlockHeight: height,
	}
}

// ValidationResponse is one validator's signed vote on a ValidationRequest.
// The signature covers every field below except itself.
type ValidationResponse struct {
	Tx              Hash           `json:"tx"`
	Validator       Address        `json:"validator"`
	Calculated      HATv2Score     `json:"calculated_score"`
	Vote            ValidationVote `json:"vote"`
	Confidence      float64        `json:"confidence"`
	HasWoT          bool           `json:"has_wot"`
	ValidatorPubKey []byte         `json:"validator_pubkey"`
	Signature       []byte         `json:"signature,omitempty"`
	Nonce           Hash           `json:"nonce"`
	Timestamp       int64          `json:"ts"`
}

func (r ValidationResponse) signingPayload() []byte {
	cp := r
	cp.Signature = nil
	return mustJSON(&cp)
}

// DeriveValidatorKey deterministically derives an Ed25519 key from an
// arbitrary label. It exists for tests and local simulation, where a whole
// validator pool needs reproducible identities; a real deployment registers
// each validator's actual wallet key via RegisterValidatorKey instead.
func DeriveValidatorKey(label string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("hat-validator-key:" + label))
	return ed25519.NewKeyFromSeed(seed[:])
}

// RegisterValidatorKey tells this consensus instance which Ed25519 key
// signs on behalf of the address pubKeyToAddress (wallet.go) derives from
// its public half, and returns that address. HAT consensus does not mint
// validator identities itself; every address it ever signs a response for
// must come from a real or derived wallet key registered this way.
func (h *HATConsensus) RegisterValidatorKey(priv ed25519.PrivateKey) Address {
	addr := pubKeyToAddress(priv.Public().(ed25519.PublicKey))
	h.mu.Lock()
	h.keys[addr] = priv
	h.mu.Unlock()
	return addr
}

// verifyResponse checks a response against the request it answers: the
// nonce must match, the embedded pubkey must hash to the claimed validator
// address, and the signature must verify under that pubkey.
func verifyResponse(req ValidationRequest, resp ValidationResponse) error {
	if resp.Nonce != req.Nonce {
		return ErrNonceMismatch
	}
	pub := ed25519.PublicKey(resp.ValidatorPubKey)
	if len(pub) != ed25519.PublicKeySize || pubKeyToAddress(pub) != resp.Validator {
		return ErrSignatureInvalid
	}
	if !Verify(pub, resp.signingPayload(), resp.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// deriveVote implements the HAT v2 vote rule: a claim within tolerance of
// the validator's own calculation is accepted outright; a claim outside
// tolerance is rejected when the validator has a WoT path to the sender
// (it can speak to all four components); with no WoT path the validator can
// only compare the three components it actually observed, and abstains
// rather than rejects when those are close enough.
func deriveVote(claimed, calculated HATv2Score) ValidationVote {
	diff := math.Abs(float64(claimed.FinalScore) - float64(calculated.FinalScore))
	if diff <= hatScoreTolerance {
		return VoteAccept
	}
	if calculated.HasWoTConnection {
		return VoteReject
	}
	if math.Abs(nonWoTComposite(claimed)-nonWoTComposite(calculated)) <= hatScoreTolerance {
		return VoteAbstain
	}
	return VoteReject
}

// ComponentScorer computes a validator's own read of a sender's behaviour
// (40%) and temporal (10%) history, plus an economic read (20%, coin age and
// balance) - the three components HAT v2 does not derive from the trust
// graph itself. All three are expected in [0,100].
type ComponentScorer func(validator, sender Address, tx *Transaction) (behavior, economic, temporal float64)

// FraudRecord is persisted when a validation round rejects: the sender's
// self-declared score diverged from the network's calculated consensus.
type FraudRecord struct {
	Tx                Hash    `json:"tx"`
	Fraudster         Address `json:"fraudster"`
	ClaimedScore      int16   `json:"claimed_score"`
	ActualScore       int16   `json:"actual_score"`
	ScoreDifference   int16   `json:"score_difference"`
	Timestamp         int64   `json:"ts"`
	BlockHeight       uint64  `json:"block_height"`
	ReputationPenalty float64 `json:"reputation_penalty"`
	BondSlashed       bool    `json:"bond_slashed"`
}

// ConsensusResult is the outcome of one HAT v2 validation round.
type ConsensusResult struct {
	TxHash        Hash                  `json:"tx_hash"`
	BlockHeight   uint64                `json:"block_height"`
	Accepted      bool                  `json:"accepted"`
	WeightedFor   float64               `json:"weighted_for"`
	WeightedTotal float64               `json:"weighted_total"`
	WoTCoverage   float64               `json:"wot_coverage"`
	Responses     []ValidationResponse  `json:"responses"`
	Fraud         *FraudRecord          `json:"fraud,omitempty"`
	Escalated     bool                  `json:"escalated"`
}

// HATConsensus wires the trust graph, cluster queries and eligibility guard
// together to run HAT v2 validation rounds.
type HATConsensus struct {
	led     StateRW
	trust   *TrustGraph
	cluster *ClusterTrustQuery
	guard   *EclipseGuard
	logger  *log.Logger

	mu   sync.Mutex
	keys map[Address]ed25519.PrivateKey

	// §4.10 named anomaly detectors, fed from the same round this consensus
	// instance is already computing scores, response times and votes for.
	repAnomaly  *ReputationAnomalyDetector
	valAnomaly  *ValidatorAnomalyDetector
	voteAnomaly *VotingAnomalyDetector
}

// NewHATConsensus constructs a consensus validator over the given
// dependencies.
func NewHATConsensus(led StateRW, trust *TrustGraph, cluster *ClusterTrustQuery, guard *EclipseGuard) *HATConsensus {
	return &HATConsensus{
		led: led, trust: trust, cluster: cluster, guard: guard,
		logger: log.StandardLogger(), keys: make(map[Address]ed25519.PrivateKey),
		repAnomaly: NewReputationAnomalyDetector(), valAnomaly: NewValidatorAnomalyDetector(),
		voteAnomaly: NewVotingAnomalyDetector(),
	}
}

// seedFor derives a deterministic 64-bit seed from H(tx_hash || block_height)
// so validator selection and vote ordering reproduce exactly given the same
// inputs, which the fraud-detection replay path depends on.
func seedFor(txHash Hash, height uint64) int64 {
	buf := make([]byte, len(txHash)+8)
	copy(buf, txHash[:])
	binary.BigEndian.PutUint64(buf[len(txHash):], height)
	sum := sha256.Sum256(buf)
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff)
}

// selectValidators draws a deterministic pseudo-random subset of size k from
// pool using a Fisher-Yates shuffle seeded by seedFor, then takes the first k
// of the shuffled order.
func selectValidators(pool []Address, k int, seed int64) []Address {
	sorted := make([]Address, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return addrLess(sorted[i], sorted[j]) })

	rng := rand.New(rand.NewSource(seed))
	for i := len(sorted) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// wotComponent reports validator's path count and strength toward sender,
// the raw material for the WoT 30% of a calculated HATv2Score.
func (h *HATConsensus) wotComponent(validator, sender Address) (uint32, float64) {
	paths := h.trust.FindPaths(validator, sender, 3)
	if len(paths) == 0 {
		return 0, 0
	}
	strength := h.trust.WeightedReputation(validator, sender, 3)
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}
	return uint32(len(paths)), strength
}

// respond computes validator's own HATv2Score for req's sender, derives its
// vote against the sender's claim, and signs the result.
func (h *HATConsensus) respond(req ValidationRequest, validator Address, tx *Transaction, scorer ComponentScorer) ValidationResponse {
	behavior, economic, temporal := scorer(validator, req.Sender, tx)
	pathCount, strength := h.wotComponent(validator, req.Sender)
	calculated := composeHATv2Score(req.Sender, behavior, economic, temporal, pathCount, strength, req.Timestamp)
	vote := deriveVote(req.Claimed, calculated)

	accuracy := 1.0
	if rec := h.guard.Record(validator); rec != nil && rec.ValidationCount > 0 {
		accuracy = float64(rec.CorrectCount) / float64(rec.ValidationCount)
	}
	confidence := hatNonWoTVoteWeight
	if calculated.HasWoTConnection {
		confidence = hatWoTVoteWeight
	}
	confidence *= accuracy

	resp := ValidationResponse{
		Tx: req.Tx, Validator: validator, Calculated: calculated, Vote: vote,
		Confidence: confidence, HasWoT: calculated.HasWoTConnection,
		Nonce: req.Nonce, Timestamp: req.Timestamp,
	}

	h.mu.Lock()
	priv, ok := h.keys[validator]
	h.mu.Unlock()
	if !ok {
		// No registered signing key for this address: the response is left
		// unsigned and verifyResponse will drop it as unverifiable, the same
		// outcome as a validator that never answers the challenge.
		return resp
	}
	resp.ValidatorPubKey = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	resp.Signature = Sign(priv, resp.signingPayload())
	return resp
}

// aggregateCalculated averages the drawn validators' own HATv2Score readings
// into the network's "actual" score for fraud-record purposes.
func aggregateCalculated(sender Address, responses []ValidationResponse, ts int64) HATv2Score {
	if len(responses) == 0 {
		return HATv2Score{Address: sender, Timestamp: ts}
	}
	var behavior, economic, temporal, strength float64
	var paths uint32
	n := float64(len(responses))
	for _, r := range responses {
		behavior += r.Calculated.Behavior
		economic += r.Calculated.Economic
		temporal += r.Calculated.Temporal
		strength += r.Calculated.WoTPathStrength
		if r.Calculated.WoTPathCount > paths {
			paths = r.Calculated.WoTPathCount
		}
	}
	return composeHATv2Score(sender, behavior/n, economic/n, temporal/n, paths, strength/n, ts)
}

// Validate runs one HAT v2 round for tx at the given block height. eligible
// is the full pool of currently-eligible validator addresses (already
// filtered by EclipseGuard.IsValidatorEligible by the caller, since that
// check needs the concrete selection pool). scorer supplies each drawn
// validator's independent read of the sender's behaviour, economic and
// temporal history; tx.ClaimedScore carries the sender's own declaration.
func (h *HATConsensus) Validate(tx *Transaction, height uint64, eligible []Address, scorer ComponentScorer) (*ConsensusResult, error) {
	if len(eligible) < hatMinValidators {
		return nil, ErrInsufficientValidators
	}
	sender := tx.SenderAddress()
	seed := seedFor(tx.Hash, height)
	drawn := selectValidators(eligible, hatMinValidators, seed)

	if !h.guard.ValidateValidatorSetDiversity(drawn, sender) {
		h.logger.WithField("tx", tx.IDHex()).Warn("hat consensus: validator set failed diversity check, escalating")
		return &ConsensusResult{TxHash: tx.Hash, BlockHeight: height, Escalated: true}, ErrConsensusUnreachable
	}
	if _, sybil := h.DetectCoordinatedSybilAttack(drawn, height); sybil {
		h.logger.WithField("tx", tx.IDHex()).Warn("hat consensus: drawn validator set flagged as a coordinated Sybil network, escalating")
		return &ConsensusResult{TxHash: tx.Hash, BlockHeight: height, Escalated: true}, ErrConsensusUnreachable
	}

	claimed := tx.ClaimedScore
	if claimed == nil {
		claimed = &HATv2Score{Address: sender, Timestamp: tx.Timestamp}
	}
	req := NewValidationRequest(tx, *claimed, height)
	result := &ConsensusResult{TxHash: tx.Hash, BlockHeight: height}

	out := make(chan ValidationResponse, len(drawn))
	ctx, cancel := context.WithTimeout(context.Background(), hatValidationTimeout)
	defer cancel()
	for _, v := range drawn {
		v := v
		go func() {
			start := time.Now()
			resp := h.respond(req, v, tx, scorer)
			if slow, erratic := h.valAnomaly.Observe(v, time.Since(start).Seconds()); slow || erratic {
				h.logger.WithFields(log.Fields{"validator": v, "slow": slow, "erratic": erratic}).Warn("hat consensus: validator response-time anomaly")
			}
			out <- resp
		}()
	}

	responded := make(map[Address]bool, len(drawn))
	var responses []ValidationResponse
collect:
	for i := 0; i < len(drawn); i++ {
		select {
		case r := <-out:
			if err := verifyResponse(req, r); err != nil {
				h.logger.WithFields(log.Fields{"tx": tx.IDHex(), "validator": r.Validator}).WithError(err).Warn("hat consensus: dropping unverifiable validator response")
				continue
			}
			if oneSigned, identical := h.voteAnomaly.Observe(r.Validator, r.Vote); oneSigned || identical {
				h.logger.WithFields(log.Fields{"validator": r.Validator, "one_signed": oneSigned, "identical": identical}).Warn("hat consensus: validator voting-pattern anomaly")
			}
			responded[r.Validator] = true
			responses = append(responses, r)
		case <-ctx.Done():
			h.logger.WithField("tx", tx.IDHex()).Warn("hat consensus: validation round timed out, remaining validators treated as non-responsive")
			break collect
		}
	}
	for _, v := range drawn {
		if !responded[v] {
			_ = h.guard.RecordValidation(v, false)
		}
	}
	sort.Slice(responses, func(i, j int) bool { return addrLess(responses[i].Validator, responses[j].Validator) })
	result.Responses = responses

	var weightedFor, weightedTotal float64
	var wotCount int
	for _, r := range responses {
		weight := hatNonWoTVoteWeight
		if r.HasWoT {
			weight = hatWoTVoteWeight
			wotCount++
		}
		weightedTotal += weight
		if r.Vote == VoteAccept {
			weightedFor += weight
		}
	}
	if len(drawn) > 0 {
		result.WoTCoverage = float64(wotCount) / float64(len(drawn))
	}
	result.WeightedFor = weightedFor
	result.WeightedTotal = weightedTotal

	if result.WoTCoverage < hatWoTCoverageThreshold {
		result.Escalated = true
		return result, ErrConsensusUnreachable
	}

	ratio := 0.0
	if weightedTotal > 0 {
		ratio = weightedFor / weightedTotal
	}
	switch {
	case ratio >= hatConsensusThreshold:
		result.Accepted = true
	case 1-ratio >= hatConsensusThreshold:
		result.Accepted = false
	default:
		result.Escalated = true
		return result, ErrConsensusUnreachable
	}

	for _, r := range result.Responses {
		correct := (r.Vote == VoteAccept) == result.Accepted
		_ = h.guard.RecordValidation(r.Validator, correct)
	}

	actual := aggregateCalculated(sender, result.Responses, tx.Timestamp)
	if flagged, z := h.repAnomaly.Observe(sender, float64(actual.FinalScore)); flagged {
		h.logger.WithFields(log.Fields{"sender": sender, "z": z}).Warn("hat consensus: reputation anomaly")
	}

	if !result.Accepted {
		fraud := h.recordFraud(req, actual, height)
		result.Fraud = &fraud
	}
	return result, nil
}

func fraudKey(txHash Hash, fraudster Address) []byte {
	return []byte(fmt.Sprintf("fraud_%s_%s", txHash.Hex(), fraudster.Hex()))
}

// recordFraud persists a FraudRecord for a rejected round's sender and, if a
// stake/penalty ledger is wired in, applies the reputation penalty and (for
// the more severe divergences) slashes a slice of the sender's bonded stake.
func (h *HATConsensus) recordFraud(req ValidationRequest, actual HATv2Score, height uint64) FraudRecord {
	diff := req.Claimed.FinalScore - actual.FinalScore
	rec := FraudRecord{
		Tx: req.Tx, Fraudster: req.Sender, ClaimedScore: req.Claimed.FinalScore,
		ActualScore: actual.FinalScore, ScoreDifference: diff, Timestamp: req.Timestamp,
		BlockHeight: height, ReputationPenalty: math.Min(100, math.Abs(float64(diff))),
		BondSlashed: math.Abs(float64(diff)) > hatScoreTolerance*2,
	}
	if h.led != nil {
		if err := h.led.SetState(fraudKey(req.Tx, req.Sender), mustJSON(&rec)); err != nil {
			h.logger.WithError(err).Warn("hat consensus: failed to persist fraud record")
		}
	}
	if spm := CurrentStakePenalty(); spm != nil {
		if err := spm.Penalize(req.Sender, uint32(rec.ReputationPenalty), "hat v2: claimed score diverged from calculated consensus"); err != nil {
			h.logger.WithError(err).Warn("hat consensus: failed to record fraud penalty")
		}
		if rec.BondSlashed && spm.StakeOf(req.Sender) > 0 {
			if _, err := spm.SlashStake(req.Sender, 0.25); err != nil {
				h.logger.WithError(err).Warn("hat consensus: failed to slash fraudster stake")
			}
		}
	}
	return rec
}

// DetectCoordinatedSybilAttack delegates to the eclipse guard's Sybil-network
// confidence scoring over the set of validators that most recently voted
// together, giving callers a single entry point for the HAT-layer Sybil
// check described alongside the consensus flow.
func (h *HATConsensus) DetectCoordinatedSybilAttack(validators []Address, height uint64) (float64, bool) {
	confidence := h.guard.DetectValidatorSybilNetwork(validators, height)
	return confidence, confidence > h.guard.cfg.SybilConfidenceThreshold
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	hatConsensusOnce sync.Once
	globalHAT        *HATConsensus
)

// InitHATConsensus wires the global HAT v2 consensus validator singleton.
func InitHATConsensus(led StateRW, trust *TrustGraph, cluster *ClusterTrustQuery, guard *EclipseGuard) {
	hatConsensusOnce.Do(func() { globalHAT = NewHATConsensus(led, trust, cluster, guard) })
}

// CurrentHATConsensus returns the global consensus validator if initialised.
func CurrentHATConsensus() *HATConsensus { return globalHAT }
