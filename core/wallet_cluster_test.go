package core

import "testing"

// TestClusterAbsorptionMerge is scenario S2: tx1 spends from X1,X2 and tx2
// spends from X2,Y1. All three addresses must land in the same cluster and
// exactly one cluster_merge event (not a new_member/merge pair duplicated)
// is recorded for the genuinely new merge.
func TestClusterAbsorptionMerge(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{})
	c := NewWalletClusterer(led, trust)

	x1, x2, y1 := addr(10), addr(11), addr(12)
	tx1 := &Transaction{InputAddresses: []Address{x1, x2}}
	tx2 := &Transaction{InputAddresses: []Address{x2, y1}}

	events, err := c.ProcessBlock([]*Transaction{tx1, tx2}, 1, 0)
	if err != nil {
		t.Fatalf("process block: %v", err)
	}

	if c.ClusterID(x1) != c.ClusterID(x2) || c.ClusterID(x2) != c.ClusterID(y1) {
		t.Fatalf("expected x1, x2, y1 in the same cluster, got %v %v %v",
			c.ClusterID(x1), c.ClusterID(x2), c.ClusterID(y1))
	}

	merges := 0
	for _, ev := range events {
		if ev.Kind == ClusterEventMerge {
			merges++
		}
	}
	if merges != 1 {
		t.Fatalf("expected exactly one cluster_merge event, got %d (events=%+v)", merges, events)
	}
}

// TestClusterIDSurvivorIsLexicallyLowest checks the stated merge rule: the
// surviving cluster id is always the lexically lowest member address.
func TestClusterIDSurvivorIsLexicallyLowest(t *testing.T) {
	led := NewInMemoryState()
	trust := NewTrustGraph(led, TrustGraphConfig{})
	c := NewWalletClusterer(led, trust)

	low, high := addr(1), addr(200)
	tx := &Transaction{InputAddresses: []Address{high, low}}
	if _, err := c.ProcessBlock([]*Transaction{tx}, 1, 0); err != nil {
		t.Fatalf("process block: %v", err)
	}

	if got := c.ClusterID(low); got != low {
		t.Fatalf("surviving cluster id = %v, want %v (lowest member)", got, low)
	}
	if got := c.ClusterID(high); got != low {
		t.Fatalf("high address not absorbed into lowest id: got %v want %v", got, low)
	}
}
