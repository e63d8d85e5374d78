package core

import "testing"

// TestEffectiveTrustIsClusterMinimum checks invariant 3: for every cluster C
// and target in C, effective_trust(target) is bounded above by the lowest
// individual reputation among C's members, so moving funds to a
// better-reputed address inside the same cluster cannot raise it.
func TestEffectiveTrustIsClusterMinimum(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cluster := NewWalletClusterer(led, trust)
	query := NewClusterTrustQuery(cluster, trust)

	m1, m2, endorser := addr(1), addr(2), addr(99)
	tx := &Transaction{InputAddresses: []Address{m1, m2}}
	if _, err := cluster.ProcessBlock([]*Transaction{tx}, 1, 0); err != nil {
		t.Fatalf("process block: %v", err)
	}

	if _, err := trust.AddTrustEdge(endorser, m1, 80, 1, "bond-m1", "", 0); err != nil {
		t.Fatalf("edge endorser->m1: %v", err)
	}
	if _, err := trust.AddTrustEdge(endorser, m2, 30, 1, "bond-m2", "", 0); err != nil {
		t.Fatalf("edge endorser->m2: %v", err)
	}

	got := query.EffectiveTrust(m1, nil, 3)
	want := 0.30
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("effective_trust(m1) = %v, want %v", got, want)
	}

	if got2 := query.EffectiveTrust(m2, nil, 3); got2 != got {
		t.Fatalf("effective_trust(m2) = %v, want same cluster-wide value %v", got2, got)
	}

	m1Individual := 0.80
	if got > m1Individual {
		t.Fatalf("effective_trust(m1) = %v exceeds m1's own reputation %v", got, m1Individual)
	}
}

// TestWorstClusterMemberMatchesEffectiveTrust ensures the argmin helper
// reports the same minimum EffectiveTrust derives.
func TestWorstClusterMemberMatchesEffectiveTrust(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{MinBondFloor: 1})
	cluster := NewWalletClusterer(led, trust)
	query := NewClusterTrustQuery(cluster, trust)

	m1, m2, endorser := addr(1), addr(2), addr(99)
	tx := &Transaction{InputAddresses: []Address{m1, m2}}
	if _, err := cluster.ProcessBlock([]*Transaction{tx}, 1, 0); err != nil {
		t.Fatalf("process block: %v", err)
	}
	if _, err := trust.AddTrustEdge(endorser, m1, 80, 1, "bond-m1", "", 0); err != nil {
		t.Fatalf("edge endorser->m1: %v", err)
	}
	if _, err := trust.AddTrustEdge(endorser, m2, 30, 1, "bond-m2", "", 0); err != nil {
		t.Fatalf("edge endorser->m2: %v", err)
	}

	worst, score := query.WorstClusterMember(m1, 3)
	if worst != m2 {
		t.Fatalf("worst member = %v, want m2 (%v)", worst, m2)
	}
	if effective := query.EffectiveTrust(m1, nil, 3); effective != score {
		t.Fatalf("worst member score %v does not match effective_trust %v", score, effective)
	}
}
