package core

import "testing"

func disputeTestConfig() WoTDisputeConfig {
	return WoTDisputeConfig{
		ChallengerRewardPct: 50, DAOVoterRewardPct: 30, BurnPct: 20,
		WronglyAccusedRewardPct: 70, FailedChallengeBurnPct: 30,
		CommitPhaseDuration: 10, RevealPhaseDuration: 10, EnableCommitReveal: true,
	}
}

// TestDisputePhaseMachine is scenario S5: a dispute opened at height 1000
// with 10-block commit and reveal windows accepts a commitment mid-commit,
// rejects one after the commit window closes, accepts a matching reveal
// mid-reveal, rejects a mismatched reveal, and forfeits an unrevealed
// commitment once the dispute becomes resolvable.
func TestDisputePhaseMachine(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cfg := disputeTestConfig()
	dv, err := NewDisputeVoting(led, trust, cfg)
	if err != nil {
		t.Fatalf("new dispute voting: %v", err)
	}

	voter := addr(1)
	target := addr(2)
	challenger := addr(3)
	if _, err := trust.AddTrustEdge(voter, target, -80, 1, "bond1", "malicious", 0); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	if err := trust.RecordBondedVote(BondedVote{Voter: voter, Target: target, Value: -80, Bond: 100, BondTx: "bond1"}); err != nil {
		t.Fatalf("record bonded vote: %v", err)
	}

	d, err := trust.CreateDispute("bond1", challenger, 50, "disputed", 0, 1000, cfg.CommitPhaseDuration, cfg.RevealPhaseDuration, true)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	nonce := [32]byte{7}
	hash := commitHash(true, nonce)

	if err := dv.SubmitCommitment(d.ID, addr(10), hash, 4, 1005); err != nil {
		t.Fatalf("commit at 1005: %v", err)
	}
	// The commit window is [CommitPhaseStart, CommitPhaseStart+CommitPhaseDuration),
	// i.e. heights 1000-1009 here; 1012 is past it, into the reveal window.
	if err := dv.SubmitCommitment(d.ID, addr(11), hash, 6, 1012); err == nil {
		t.Fatalf("expected commit at 1012 (past commit window) to be rejected")
	}

	if err := dv.RevealVote(d.ID, addr(10), true, nonce, 1015); err != nil {
		t.Fatalf("reveal at 1015: %v", err)
	}

	unrevealedNonce := [32]byte{9}
	unrevealedHash := commitHash(false, unrevealedNonce)
	if err := dv.SubmitCommitment(d.ID, addr(12), unrevealedHash, 2, 1006); err != nil {
		t.Fatalf("commit addr12 at 1006: %v", err)
	}
	if err := dv.RevealVote(d.ID, addr(12), true, unrevealedNonce, 1015); err != ErrHashMismatch {
		t.Fatalf("expected hash mismatch, got %v", err)
	}

	if _, err := dv.Resolve(d.ID, 1025, 0); err != nil {
		t.Fatalf("resolve at 1025: %v", err)
	}

	vc, ok := dv.getCommitment(d.ID, addr(12))
	if !ok {
		t.Fatalf("commitment for addr12 missing")
	}
	if !vc.Forfeited {
		t.Fatalf("expected addr12's unrevealed commitment to be forfeited")
	}
}

// TestDisputeRewardSplit is scenario S6: a 100-unit slashed bond under the
// default 50/30/20 split gives the challenger 50, splits 30 pro-rata across
// two DAO voters staked 4 and 6, and burns the remaining 20 - the three
// buckets exactly reconstituting the original bond.
func TestDisputeRewardSplit(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cfg := disputeTestConfig()
	dv, err := NewDisputeVoting(led, trust, cfg)
	if err != nil {
		t.Fatalf("new dispute voting: %v", err)
	}

	voter := addr(1)
	target := addr(2)
	challenger := addr(3)
	if _, err := trust.AddTrustEdge(voter, target, -80, 1, "bond2", "malicious", 0); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	if err := trust.RecordBondedVote(BondedVote{Voter: voter, Target: target, Value: -80, Bond: 100, BondTx: "bond2"}); err != nil {
		t.Fatalf("record bonded vote: %v", err)
	}

	d, err := trust.CreateDispute("bond2", challenger, 50, "disputed", 0, 1000, cfg.CommitPhaseDuration, cfg.RevealPhaseDuration, true)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	daoA, daoB := addr(20), addr(21)
	nonceA, nonceB := [32]byte{1}, [32]byte{2}
	if err := dv.SubmitCommitment(d.ID, daoA, commitHash(true, nonceA), 4, 1005); err != nil {
		t.Fatalf("commit daoA: %v", err)
	}
	if err := dv.SubmitCommitment(d.ID, daoB, commitHash(true, nonceB), 6, 1005); err != nil {
		t.Fatalf("commit daoB: %v", err)
	}
	if err := dv.RevealVote(d.ID, daoA, true, nonceA, 1015); err != nil {
		t.Fatalf("reveal daoA: %v", err)
	}
	if err := dv.RevealVote(d.ID, daoB, true, nonceB, 1015); err != nil {
		t.Fatalf("reveal daoB: %v", err)
	}

	dist, err := dv.Resolve(d.ID, 1025, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if dist.ChallengerReward != 50 {
		t.Fatalf("challenger reward = %d, want 50", dist.ChallengerReward)
	}
	if dist.DAOVoterRewards[daoA] != 12 {
		t.Fatalf("daoA reward = %d, want 12", dist.DAOVoterRewards[daoA])
	}
	if dist.DAOVoterRewards[daoB] != 18 {
		t.Fatalf("daoB reward = %d, want 18", dist.DAOVoterRewards[daoB])
	}
	if dist.Burned != 20 {
		t.Fatalf("burned = %d, want 20", dist.Burned)
	}

	sum := dist.ChallengerReward + dist.DAOVoterRewards[daoA] + dist.DAOVoterRewards[daoB] + dist.Burned
	if sum != 100 {
		t.Fatalf("reward conservation: sum = %d, want 100 (bond)", sum)
	}
}

// TestCommitRevealBinding checks invariant 4: a stored commitment's hash
// equals H(vote_byte||nonce), and a second reveal attempt for the same
// (dispute, voter) after a successful one is rejected.
func TestCommitRevealBinding(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cfg := disputeTestConfig()
	dv, err := NewDisputeVoting(led, trust, cfg)
	if err != nil {
		t.Fatalf("new dispute voting: %v", err)
	}

	voter := addr(1)
	target := addr(2)
	challenger := addr(3)
	if _, err := trust.AddTrustEdge(voter, target, -80, 1, "bond3", "malicious", 0); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	if err := trust.RecordBondedVote(BondedVote{Voter: voter, Target: target, Value: -80, Bond: 100, BondTx: "bond3"}); err != nil {
		t.Fatalf("record bonded vote: %v", err)
	}
	d, err := trust.CreateDispute("bond3", challenger, 50, "disputed", 0, 1000, cfg.CommitPhaseDuration, cfg.RevealPhaseDuration, true)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	daoVoter := addr(30)
	nonce := [32]byte{5}
	hash := commitHash(true, nonce)
	if err := dv.SubmitCommitment(d.ID, daoVoter, hash, 4, 1005); err != nil {
		t.Fatalf("commit: %v", err)
	}

	vc, ok := dv.getCommitment(d.ID, daoVoter)
	if !ok {
		t.Fatalf("commitment missing")
	}
	if vc.Hash != hash {
		t.Fatalf("stored hash does not equal commitHash(vote, nonce)")
	}

	if err := dv.RevealVote(d.ID, daoVoter, true, nonce, 1015); err != nil {
		t.Fatalf("first reveal: %v", err)
	}
	if err := dv.RevealVote(d.ID, daoVoter, true, nonce, 1016); err != ErrAlreadyRevealed {
		t.Fatalf("expected ErrAlreadyRevealed on second reveal, got %v", err)
	}
}

// TestResolveNoSlashBurnsRemainder is the "keep" branch of invariant 5:
// accused_reward + burn equals the forfeited challenge bond.
func TestResolveNoSlashBurnsRemainder(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cfg := disputeTestConfig()
	dv, err := NewDisputeVoting(led, trust, cfg)
	if err != nil {
		t.Fatalf("new dispute voting: %v", err)
	}

	voter := addr(1)
	target := addr(2)
	challenger := addr(3)
	if _, err := trust.AddTrustEdge(voter, target, -80, 1, "bond4", "malicious", 0); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	if err := trust.RecordBondedVote(BondedVote{Voter: voter, Target: target, Value: -80, Bond: 100, BondTx: "bond4"}); err != nil {
		t.Fatalf("record bonded vote: %v", err)
	}
	d, err := trust.CreateDispute("bond4", challenger, 50, "disputed", 0, 1000, cfg.CommitPhaseDuration, cfg.RevealPhaseDuration, true)
	if err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	daoVoter := addr(40)
	nonce := [32]byte{3}
	if err := dv.SubmitCommitment(d.ID, daoVoter, commitHash(false, nonce), 10, 1005); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := dv.RevealVote(d.ID, daoVoter, false, nonce, 1015); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	dist, err := dv.Resolve(d.ID, 1025, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dist.AccusedReward+dist.Burned != d.ChallengeBond {
		t.Fatalf("accused_reward(%d) + burned(%d) != challenge bond(%d)",
			dist.AccusedReward, dist.Burned, d.ChallengeBond)
	}
}
