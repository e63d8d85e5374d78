package core

// cluster_trust_query.go - cluster-aware trust queries (C4). A bad actor
// cannot dodge a negative reputation by moving funds to a fresh address
// inside the same wallet: every query is evaluated across the whole
// cluster and the worst member's score wins.

import "sort"

// ClusterTrustQuery composes the wallet clusterer (C3) with the trust graph
// (C2) to answer "what does this cluster, as a whole, look like" queries.
type ClusterTrustQuery struct {
	cluster *WalletClusterer
	trust   *TrustGraph
}

// NewClusterTrustQuery wires a query surface over the given clusterer and
// trust graph.
func NewClusterTrustQuery(cluster *WalletClusterer, trust *TrustGraph) *ClusterTrustQuery {
	return &ClusterTrustQuery{cluster: cluster, trust: trust}
}

// memberScore returns the reputation of member as seen by viewer (personalised
// weighted_reputation) or, if no viewer is given, the raw sum of the member's
// incoming edge weights (a global, un-personalised view).
func (q *ClusterTrustQuery) memberScore(member Address, viewer *Address, maxDepth int) float64 {
	if viewer != nil {
		return q.trust.WeightedReputation(*viewer, member, maxDepth)
	}
	total := 0.0
	for _, e := range q.trust.GetIncoming(member) {
		if e.Slashed {
			continue
		}
		total += float64(e.Weight) / 100.0
	}
	return total
}

// EffectiveTrust returns the minimum reputation across every member of
// target's cluster, optionally personalised to a viewer.
func (q *ClusterTrustQuery) EffectiveTrust(target Address, viewer *Address, maxDepth int) float64 {
	members := q.cluster.Members(target)
	if len(members) == 0 {
		members = []Address{target}
	}
	min := q.memberScore(members[0], viewer, maxDepth)
	for _, m := range members[1:] {
		if s := q.memberScore(m, viewer, maxDepth); s < min {
			min = s
		}
	}
	return min
}

// HasNegativeClusterTrust reports whether any member of address's cluster
// has a negative un-personalised reputation.
func (q *ClusterTrustQuery) HasNegativeClusterTrust(address Address, maxDepth int) bool {
	for _, m := range q.cluster.Members(address) {
		if q.memberScore(m, nil, maxDepth) < 0 {
			return true
		}
	}
	return false
}

// WorstClusterMember returns the cluster member with the lowest
// un-personalised reputation and its score (argmin). Ties are broken by
// address ordering for determinism.
func (q *ClusterTrustQuery) WorstClusterMember(address Address, maxDepth int) (Address, float64) {
	members := q.cluster.Members(address)
	if len(members) == 0 {
		members = []Address{address}
	}
	sort.Slice(members, func(i, j int) bool { return addrLess(members[i], members[j]) })
	worst := members[0]
	worstScore := q.memberScore(worst, nil, maxDepth)
	for _, m := range members[1:] {
		if s := q.memberScore(m, nil, maxDepth); s < worstScore {
			worst, worstScore = m, s
		}
	}
	return worst, worstScore
}
