// Package cluster implements C4: discovery, membership, the
// consistent-hash ring and peer RPC, per spec.md §4.4.
package cluster

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// virtualNodesPerMember matches spec.md §4.4's "h >= 64 virtual
// positions on a 64-bit ring"; this is the floor the spec names.
const virtualNodesPerMember = 64

type ringPosition struct {
	hash   uint64
	nodeID string
}

// Ring is a deterministic mapping from an opaque key string to the
// ordered member list, built via virtual nodes and looked up with
// binary search over a sorted position array, per spec.md §4.4. It is
// immutable once built: membership changes publish a brand new Ring
// rather than mutating one in place (spec.md §5: "The hash ring is
// treated as immutable; updates publish a new ring atomically").
type Ring struct {
	positions []ringPosition
}

// BuildRing constructs a Ring from the current alive member set.
// Hashing uses xxhash instead of the teacher's hash/fnv for speed;
// both are stable deterministic hashes so the ring property (every
// node computes an identical ring for a given membership set) holds
// regardless of which one is chosen.
func BuildRing(nodeIDs []string) *Ring {
	positions := make([]ringPosition, 0, len(nodeIDs)*virtualNodesPerMember)
	for _, id := range nodeIDs {
		for i := 0; i < virtualNodesPerMember; i++ {
			vnodeKey := id + ":" + strconv.Itoa(i)
			positions = append(positions, ringPosition{hash: xxhash.Sum64String(vnodeKey), nodeID: id})
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].hash < positions[j].hash })
	return &Ring{positions: positions}
}

// Owner returns the primary owner of key: the first node clockwise
// from hash(key), found via binary search, per spec.md §4.4.
func (r *Ring) Owner(key string) (string, bool) {
	if len(r.positions) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i].hash >= h
	})
	if idx == len(r.positions) {
		idx = 0
	}
	return r.positions[idx].nodeID, true
}

// Members returns the distinct node IDs represented on the ring, in
// no particular order.
func (r *Ring) Members() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, p := range r.positions {
		if !seen[p.nodeID] {
			seen[p.nodeID] = true
			out = append(out, p.nodeID)
		}
	}
	return out
}
