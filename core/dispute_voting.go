package core

// dispute_voting.go - commit-reveal DAO dispute voting and the reward
// distributor that runs on resolution (C6). Commit-reveal prevents vote
// copying: a voter's choice is hidden behind a hash until the reveal
// window, by which point every other voter has already committed.

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotInPhase         = errors.New("dispute voting: not in required phase")
	ErrHashMismatch       = errors.New("dispute voting: reveal does not match commitment")
	ErrAlreadyCommitted   = errors.New("dispute voting: voter already committed")
	ErrNoCommitment       = errors.New("dispute voting: no commitment found")
	ErrAlreadyRevealed    = errors.New("dispute voting: commitment already revealed")
	ErrZeroStake          = errors.New("dispute voting: stake must be positive")
	ErrInvalidRewardSplit = errors.New("dispute voting: reward percentages must sum to 100")
)

// DisputePhase is the closed set of states a dispute moves through, driven
// purely by block height.
type DisputePhase string

const (
	PhaseCreated    DisputePhase = "created"
	PhaseCommit     DisputePhase = "commit"
	PhaseReveal     DisputePhase = "reveal"
	PhaseResolvable DisputePhase = "resolvable"
)

// VoteCommitment is one DAO voter's hidden vote on a dispute until reveal.
type VoteCommitment struct {
	Dispute      string  `json:"dispute"`
	Voter        Address `json:"voter"`
	Hash         Hash    `json:"hash"`
	Stake        uint64  `json:"stake"`
	CommitHeight uint64  `json:"commit_height"`
	Revealed     bool    `json:"revealed"`
	Vote         bool    `json:"vote"` // true = vote to slash
	Nonce        [32]byte `json:"nonce"`
	RevealHeight uint64  `json:"reveal_height"`
	Forfeited    bool    `json:"forfeited"`
}

// WoTDisputeConfig carries the commit/reveal durations and the reward-split
// percentages, which the persistent configuration surface requires to sum
// to 100 within each branch.
type WoTDisputeConfig struct {
	ChallengerRewardPct     uint8
	DAOVoterRewardPct       uint8
	BurnPct                 uint8
	WronglyAccusedRewardPct uint8
	FailedChallengeBurnPct  uint8
	CommitPhaseDuration     uint64
	RevealPhaseDuration     uint64
	EnableCommitReveal      bool
}

// Validate checks both reward branches sum to exactly 100, per the
// configuration-load requirement.
func (c WoTDisputeConfig) Validate() error {
	if int(c.ChallengerRewardPct)+int(c.DAOVoterRewardPct)+int(c.BurnPct) != 100 {
		return ErrInvalidRewardSplit
	}
	if int(c.WronglyAccusedRewardPct)+int(c.FailedChallengeBurnPct) != 100 {
		return ErrInvalidRewardSplit
	}
	return nil
}

// DefaultWoTDisputeConfig returns the network's baseline dispute reward
// splits and commit-reveal window durations.
func DefaultWoTDisputeConfig() WoTDisputeConfig {
	return WoTDisputeConfig{
		ChallengerRewardPct: 50, DAOVoterRewardPct: 30, BurnPct: 20,
		WronglyAccusedRewardPct: 70, FailedChallengeBurnPct: 30,
		CommitPhaseDuration: 10, RevealPhaseDuration: 10, EnableCommitReveal: true,
	}
}

// RewardDistribution is the outcome of resolving one dispute.
type RewardDistribution struct {
	DistributionID   string
	ChallengerReward uint64
	DAOVoterRewards  map[Address]uint64
	AccusedReward    uint64
	Burned           uint64
}

// DisputeVoting implements the phase machine and reward distributor for DAO
// disputes created through the trust graph (C2).
type DisputeVoting struct {
	led   StateRW
	trust *TrustGraph
	cfg   WoTDisputeConfig

	mu sync.Mutex
}

// NewDisputeVoting constructs the commit-reveal module over a validated
// configuration.
func NewDisputeVoting(led StateRW, trust *TrustGraph, cfg WoTDisputeConfig) (*DisputeVoting, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DisputeVoting{led: led, trust: trust, cfg: cfg}, nil
}

// Phase returns the dispute's current phase at the given block height.
func (c *DisputeVoting) Phase(d *DAODispute, height uint64) DisputePhase {
	switch {
	case height < d.CommitPhaseStart:
		return PhaseCreated
	case height < d.RevealPhaseStart:
		return PhaseCommit
	case height < d.RevealPhaseStart+c.cfg.RevealPhaseDuration:
		return PhaseReveal
	default:
		return PhaseResolvable
	}
}

func commitmentKey(dispute string, voter Address) []byte {
	return []byte(fmt.Sprintf("commitment_%s_%s", dispute, voter.Hex()))
}

func commitmentsListKey(dispute string) []byte {
	return []byte("commitments_dispute_" + dispute)
}

func (c *DisputeVoting) commitmentVoters(dispute string) ([]Address, error) {
	if c.led == nil {
		return nil, nil
	}
	raw, err := c.led.GetState(commitmentsListKey(dispute))
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var voters []Address
	if err := json.Unmarshal(raw, &voters); err != nil {
		return nil, err
	}
	return voters, nil
}

func (c *DisputeVoting) persistCommitment(vc *VoteCommitment) error {
	if c.led == nil {
		return nil
	}
	return c.led.SetState(commitmentKey(vc.Dispute, vc.Voter), mustJSON(vc))
}

func (c *DisputeVoting) getCommitment(dispute string, voter Address) (*VoteCommitment, bool) {
	if c.led == nil {
		return nil, false
	}
	raw, err := c.led.GetState(commitmentKey(dispute, voter))
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	var vc VoteCommitment
	if err := json.Unmarshal(raw, &vc); err != nil {
		return nil, false
	}
	return &vc, true
}

func (c *DisputeVoting) commitmentsFor(dispute string) ([]*VoteCommitment, error) {
	voters, err := c.commitmentVoters(dispute)
	if err != nil {
		return nil, err
	}
	out := make([]*VoteCommitment, 0, len(voters))
	for _, v := range voters {
		if vc, ok := c.getCommitment(dispute, v); ok {
			out = append(out, vc)
		}
	}
	return out, nil
}

// SubmitCommitment records a hidden vote. Valid only during the commit
// phase, only with positive stake, and only once per voter.
func (c *DisputeVoting) SubmitCommitment(disputeID string, voter Address, hash Hash, stake uint64, height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.trust.GetDispute(disputeID)
	if !ok {
		return ErrDisputeNotFound
	}
	if c.Phase(d, height) != PhaseCommit {
		return ErrNotInPhase
	}
	if stake == 0 {
		return ErrZeroStake
	}
	if _, exists := c.getCommitment(disputeID, voter); exists {
		return ErrAlreadyCommitted
	}

	vc := &VoteCommitment{Dispute: disputeID, Voter: voter, Hash: hash, Stake: stake, CommitHeight: height}
	if err := c.persistCommitment(vc); err != nil {
		return err
	}

	voters, _ := c.commitmentVoters(disputeID)
	voters = append(voters, voter)
	if c.led != nil {
		if err := c.led.SetState(commitmentsListKey(disputeID), mustJSON(voters)); err != nil {
			return err
		}
	}
	return nil
}

// RevealVote discloses a previously committed vote. Valid only during the
// reveal phase and only if the hash of (vote_byte || nonce) matches the
// stored commitment.
func (c *DisputeVoting) RevealVote(disputeID string, voter Address, vote bool, nonce [32]byte, height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.trust.GetDispute(disputeID)
	if !ok {
		return ErrDisputeNotFound
	}
	if c.Phase(d, height) != PhaseReveal {
		return ErrNotInPhase
	}
	vc, ok := c.getCommitment(disputeID, voter)
	if !ok {
		return ErrNoCommitment
	}
	if vc.Revealed {
		return ErrAlreadyRevealed
	}
	if commitHash(vote, nonce) != vc.Hash {
		return ErrHashMismatch
	}
	vc.Revealed = true
	vc.Vote = vote
	vc.Nonce = nonce
	vc.RevealHeight = height
	return c.persistCommitment(vc)
}

func commitHash(vote bool, nonce [32]byte) Hash {
	var voteByte byte
	if vote {
		voteByte = 1
	}
	buf := make([]byte, 0, 1+len(nonce))
	buf = append(buf, voteByte)
	buf = append(buf, nonce[:]...)
	return sha256.Sum256(buf)
}

// Resolve forfeits unrevealed commitments, tallies revealed votes by stake
// to decide slash-vs-keep, and distributes rewards accordingly. Rewards are
// a one-shot action: the trust graph rejects a second distribution for the
// same dispute.
func (c *DisputeVoting) Resolve(disputeID string, height uint64, now int64) (*RewardDistribution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.trust.GetDispute(disputeID)
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Resolved {
		return nil, ErrInvalidState
	}
	if c.Phase(d, height) != PhaseResolvable {
		return nil, ErrNotInPhase
	}

	commitments, err := c.commitmentsFor(disputeID)
	if err != nil {
		return nil, err
	}

	var slashStake, keepStake uint64
	type voterStake struct {
		addr  Address
		stake uint64
	}
	var slashVoters []voterStake
	for _, vc := range commitments {
		if !vc.Revealed {
			if !vc.Forfeited {
				vc.Forfeited = true
				if err := c.persistCommitment(vc); err != nil {
					return nil, err
				}
			}
			continue
		}
		if vc.Vote {
			slashStake += vc.Stake
			slashVoters = append(slashVoters, voterStake{vc.Voter, vc.Stake})
		} else {
			keepStake += vc.Stake
		}
	}

	slash := slashStake > keepStake
	if err := c.trust.ResolveDispute(disputeID, slash, now); err != nil {
		return nil, err
	}

	dist := &RewardDistribution{DAOVoterRewards: make(map[Address]uint64)}
	if slash {
		vote, ok := c.trust.GetBondedVote(d.DisputedVoteTx)
		if !ok {
			return nil, ErrVoteNotFound
		}
		bond := vote.Bond
		dist.ChallengerReward = bond * uint64(c.cfg.ChallengerRewardPct) / 100
		daoPool := bond * uint64(c.cfg.DAOVoterRewardPct) / 100

		distributed := uint64(0)
		for i, v := range slashVoters {
			var share uint64
			if slashStake == 0 {
				share = 0
			} else if i == len(slashVoters)-1 {
				share = daoPool - distributed
			} else {
				share = daoPool * v.stake / slashStake
				distributed += share
			}
			dist.DAOVoterRewards[v.addr] = share
		}
		sumDAO := uint64(0)
		for _, v := range dist.DAOVoterRewards {
			sumDAO += v
		}
		dist.Burned = bond - dist.ChallengerReward - sumDAO

		if err := c.trust.SlashVote(d.DisputedVoteTx, disputeID); err != nil {
			return nil, err
		}
		if err := c.applyRewards(d.Challenger, dist.ChallengerReward, dist.DAOVoterRewards); err != nil {
			return nil, err
		}
	} else {
		forfeited := d.ChallengeBond
		dist.AccusedReward = forfeited * uint64(c.cfg.WronglyAccusedRewardPct) / 100
		dist.Burned = forfeited - dist.AccusedReward
		if accused, ok := c.trust.GetBondedVote(d.DisputedVoteTx); ok {
			if err := c.applyRewards(accused.Voter, dist.AccusedReward, nil); err != nil {
				return nil, err
			}
			if spm := CurrentStakePenalty(); spm != nil {
				if err := spm.ResetPenalty(accused.Voter); err != nil {
					return nil, err
				}
			}
		}
	}

	id := uuid.New().String()
	if err := c.trust.MarkRewardsDistributed(disputeID, id); err != nil {
		return nil, err
	}
	dist.DistributionID = id
	return dist, nil
}

// applyRewards credits a distribution's payouts onto the bonded-stake
// ledger, when one is wired in. Reward computation above is a pure function
// of the vote tally; this is where the computed amounts actually move.
func (c *DisputeVoting) applyRewards(primary Address, primaryAmount uint64, daoRewards map[Address]uint64) error {
	spm := CurrentStakePenalty()
	if spm == nil {
		return nil
	}
	if primaryAmount > 0 {
		if err := spm.AdjustStake(primary, int64(primaryAmount)); err != nil {
			return err
		}
	}
	for addr, amount := range daoRewards {
		if amount == 0 {
			continue
		}
		if err := spm.AdjustStake(addr, int64(amount)); err != nil {
			return err
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	disputeVotingOnce sync.Once
	globalDispute     *DisputeVoting
)

// InitDisputeVoting wires the global dispute-voting singleton.
func InitDisputeVoting(led StateRW, trust *TrustGraph, cfg WoTDisputeConfig) error {
	var initErr error
	disputeVotingOnce.Do(func() {
		dv, err := NewDisputeVoting(led, trust, cfg)
		if err != nil {
			initErr = err
			return
		}
		globalDispute = dv
	})
	return initErr
}

// CurrentDisputeVoting returns the global dispute-voting module if initialised.
func CurrentDisputeVoting() *DisputeVoting { return globalDispute }
