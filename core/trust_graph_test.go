package core

import "testing"

func addr(b byte) Address {
	var a Address
	a[0] = b
	return a
}

// TestWeightedReputationPathDecay checks invariant 1: a single path's
// contribution to weighted_reputation is the exact product of its edge
// weights divided by 100 per hop.
func TestWeightedReputationPathDecay(t *testing.T) {
	led := NewInMemoryState()
	g := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1, MaxTrustPathDepth: 3})

	a, b, c := addr(1), addr(2), addr(3)
	if _, err := g.AddTrustEdge(a, b, 80, 1, "bond1", "", 0); err != nil {
		t.Fatalf("edge a->b: %v", err)
	}
	if _, err := g.AddTrustEdge(b, c, 50, 1, "bond2", "", 0); err != nil {
		t.Fatalf("edge b->c: %v", err)
	}

	got := g.WeightedReputation(a, c, 2)
	want := 0.40
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("weighted_reputation(a,c,2) = %v, want %v", got, want)
	}
}

// TestWeightedReputationDepthBound is scenario S1: a path longer than the
// allowed depth contributes nothing.
func TestWeightedReputationDepthBound(t *testing.T) {
	led := NewInMemoryState()
	g := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1, MaxTrustPathDepth: 3})

	a, b, c := addr(1), addr(2), addr(3)
	if _, err := g.AddTrustEdge(a, b, 80, 1, "bond1", "", 0); err != nil {
		t.Fatalf("edge a->b: %v", err)
	}
	if _, err := g.AddTrustEdge(b, c, 50, 1, "bond2", "", 0); err != nil {
		t.Fatalf("edge b->c: %v", err)
	}

	if got := g.WeightedReputation(a, c, 1); got != 0.0 {
		t.Fatalf("weighted_reputation(a,c,1) = %v, want 0", got)
	}
}

// TestRecordLegacyVoteSkipsBondFloor ensures the unbonded legacy VOTE path
// never requires the bonded-vote minimum bond.
func TestRecordLegacyVoteSkipsBondFloor(t *testing.T) {
	led := NewInMemoryState()
	g := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 100})

	v := BondedVote{Voter: addr(1), Target: addr(2), Value: 10, Bond: 0, BondTx: "legacy1"}
	if err := g.RecordLegacyVote(v); err != nil {
		t.Fatalf("legacy vote rejected: %v", err)
	}
	if _, ok := g.GetBondedVote("legacy1"); !ok {
		t.Fatalf("legacy vote not recorded")
	}
}

// TestRecordLegacyVoteDuplicateBondTx ensures a duplicate bond_tx is still
// rejected even on the unbonded legacy path.
func TestRecordLegacyVoteDuplicateBondTx(t *testing.T) {
	led := NewInMemoryState()
	g := NewTrustGraph(led, TrustGraphConfig{})

	v := BondedVote{Voter: addr(1), Target: addr(2), Value: 10, BondTx: "dup"}
	if err := g.RecordLegacyVote(v); err != nil {
		t.Fatalf("first legacy vote: %v", err)
	}
	if err := g.RecordLegacyVote(v); err == nil {
		t.Fatalf("expected duplicate bond_tx rejection")
	}
}
