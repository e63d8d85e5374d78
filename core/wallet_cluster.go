package core

// wallet_cluster.go - the wallet clusterer and its per-block update handler
// (C3). Addresses that co-spend inputs in the same transaction are treated
// as controlled by a single wallet (the shared-input heuristic); clusters
// are merged with a union-find whose surviving id is always the lexically
// lowest member, so WalletCluster.ID is stable and can serve directly as a
// canonical identifier.

import (
	"fmt"
	"sort"
	"sync"
)

// ClusterEventKind enumerates the closed set of cluster update events.
type ClusterEventKind string

const (
	ClusterEventNewMember      ClusterEventKind = "new_member"
	ClusterEventMerge          ClusterEventKind = "cluster_merge"
	ClusterEventTrustInherited ClusterEventKind = "trust_inherited"
)

// ClusterUpdateEvent records one observable effect of processing a block's
// transactions through the clusterer.
type ClusterUpdateEvent struct {
	Kind               ClusterEventKind `json:"kind"`
	ClusterID          Address          `json:"cluster_id"`
	AffectedAddress    Address          `json:"affected_address"`
	MergedFrom         Address          `json:"merged_from,omitempty"`
	BlockHeight        uint64           `json:"block_height"`
	Timestamp          int64            `json:"ts"`
	InheritedEdgeCount int              `json:"inherited_edge_count,omitempty"`
}

// WalletCluster is a read-only snapshot of one cluster's membership.
type WalletCluster struct {
	ID         Address   `json:"id"`
	Members    []Address `json:"members"`
	Confidence float64   `json:"confidence"`
}

// WalletClusterer maintains cluster_id per address via union-find and
// persists membership and cluster events to the state store.
type WalletClusterer struct {
	led   StateRW
	trust *TrustGraph

	mu      sync.Mutex
	parent  map[Address]Address
	members map[Address]map[Address]bool
}

// NewWalletClusterer constructs a clusterer backed by the given state store
// and wired to the trust graph it inherits and reconciles edges against.
func NewWalletClusterer(led StateRW, trust *TrustGraph) *WalletClusterer {
	return &WalletClusterer{
		led:     led,
		trust:   trust,
		parent:  make(map[Address]Address),
		members: make(map[Address]map[Address]bool),
	}
}

func (c *WalletClusterer) findLocked(a Address) Address {
	p, ok := c.parent[a]
	if !ok {
		c.parent[a] = a
		c.members[a] = map[Address]bool{a: true}
		return a
	}
	if p == a {
		return a
	}
	root := c.findLocked(p)
	c.parent[a] = root
	return root
}

// ClusterID returns the current canonical cluster id for an address,
// creating a singleton cluster on first observation.
func (c *WalletClusterer) ClusterID(a Address) Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(a)
}

// Members returns the full membership of the cluster containing a.
func (c *WalletClusterer) Members(a Address) []Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	root := c.findLocked(a)
	set := c.members[root]
	out := make([]Address, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i], out[j]) })
	return out
}

// unionLocked merges the clusters containing a and b, the surviving root
// always being the lexically lower of the two existing roots (the "lower id
// absorbs" rule fixed by the wallet-clustering design). Returns the merged
// pair (target=survivor, source=absorbed) if a merge actually occurred.
func (c *WalletClusterer) unionLocked(a, b Address) (merged bool, target, source Address) {
	ra, rb := c.findLocked(a), c.findLocked(b)
	if ra == rb {
		return false, ra, rb
	}
	target, source = ra, rb
	if addrLess(rb, ra) {
		target, source = rb, ra
	}
	for m := range c.members[source] {
		c.parent[m] = target
		c.members[target][m] = true
	}
	delete(c.members, source)
	return true, target, source
}

func clusterMemberKey(addr Address) []byte { return []byte("cluster_member_" + addr.Hex()) }

func clusterEventKey(ts int64, height uint64, kind ClusterEventKind) []byte {
	return []byte(fmt.Sprintf("cluster_event_%010d_%010d_%s", ts, height, kind))
}

func (c *WalletClusterer) persistMembership(addr, clusterID Address) error {
	if c.led == nil {
		return nil
	}
	return c.led.SetState(clusterMemberKey(addr), mustJSON(struct {
		Addr      Address `json:"addr"`
		ClusterID Address `json:"cluster_id"`
	}{addr, clusterID}))
}

func (c *WalletClusterer) persistEvent(ev ClusterUpdateEvent) error {
	if c.led == nil {
		return nil
	}
	return c.led.SetState(clusterEventKey(ev.Timestamp, ev.BlockHeight, ev.Kind), mustJSON(&ev))
}

// ProcessBlock runs the per-block cluster update handler over every
// transaction's co-spent input set, in block order. A co-spend pair joining
// two clusters that were each already established (size > 1, or a pure
// first-link between two untouched singletons) is a ClusterMerge; a
// co-spend pair where a lone, previously-unlinked address joins an already
// multi-member cluster is classified as that address becoming a NewMember
// of the existing cluster rather than a merge of two clusters. Every new
// member triggers trust inheritance (step 3); every merge triggers trust
// edge reconciliation (step 4); memberships are persisted last (step 5).
func (c *WalletClusterer) ProcessBlock(txs []*Transaction, height uint64, now int64) ([]ClusterUpdateEvent, error) {
	var events []ClusterUpdateEvent
	touched := make(map[Address]bool)

	for _, tx := range txs {
		if len(tx.InputAddresses) < 2 {
			if len(tx.InputAddresses) == 1 {
				touched[tx.InputAddresses[0]] = true
			}
			continue
		}
		first := tx.InputAddresses[0]
		touched[first] = true
		for _, other := range tx.InputAddresses[1:] {
			touched[other] = true

			c.mu.Lock()
			ra, rb := c.findLocked(first), c.findLocked(other)
			if ra == rb {
				c.mu.Unlock()
				continue
			}
			sizeA, sizeB := len(c.members[ra]), len(c.members[rb])
			merged, target, source := c.unionLocked(first, other)
			c.mu.Unlock()
			if !merged {
				continue
			}

			var ev ClusterUpdateEvent
			switch {
			case sizeA == 1 && sizeB > 1:
				ev = ClusterUpdateEvent{Kind: ClusterEventNewMember, ClusterID: target, AffectedAddress: first, BlockHeight: height, Timestamp: now}
			case sizeB == 1 && sizeA > 1:
				ev = ClusterUpdateEvent{Kind: ClusterEventNewMember, ClusterID: target, AffectedAddress: other, BlockHeight: height, Timestamp: now}
			default:
				ev = ClusterUpdateEvent{Kind: ClusterEventMerge, ClusterID: target, AffectedAddress: source, MergedFrom: source, BlockHeight: height, Timestamp: now}
			}
			events = append(events, ev)
			if err := c.persistEvent(ev); err != nil {
				return events, err
			}

			members := c.Members(target)
			if ev.Kind == ClusterEventMerge {
				if _, err := c.trust.ReconcileClusterEdges(members, now); err != nil {
					return events, err
				}
			} else {
				var count int
				var err error
				for attempt := 0; attempt < 3; attempt++ {
					count, err = c.trust.InheritTrustForNewMember(ev.AffectedAddress, members, now)
					if err == nil {
						break
					}
				}
				if err != nil {
					return events, err
				}
				if count > 0 {
					inherited := ClusterUpdateEvent{Kind: ClusterEventTrustInherited, ClusterID: target, AffectedAddress: ev.AffectedAddress, BlockHeight: height, Timestamp: now, InheritedEdgeCount: count}
					events = append(events, inherited)
					if err := c.persistEvent(inherited); err != nil {
						return events, err
					}
				}
			}
		}
	}

	addrs := make([]Address, 0, len(touched))
	for a := range touched {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrLess(addrs[i], addrs[j]) })
	for _, addr := range addrs {
		if err := c.persistMembership(addr, c.ClusterID(addr)); err != nil {
			return events, err
		}
	}
	return events, nil
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	clustererOnce sync.Once
	globalCluster *WalletClusterer
)

// InitWalletClusterer wires the global clusterer singleton.
func InitWalletClusterer(led StateRW, trust *TrustGraph) {
	clustererOnce.Do(func() { globalCluster = NewWalletClusterer(led, trust) })
}

// CurrentWalletClusterer returns the global clusterer if initialised.
func CurrentWalletClusterer() *WalletClusterer { return globalCluster }
