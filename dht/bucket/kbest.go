package bucket

import "github.com/netmesh/overlay/identity"

// KBest is a bounded-size set of identities closest to a target key,
// grounded on the original's k_best_insert (dht.c:851): insertion
// replaces the furthest current member when a strictly closer candidate
// arrives and the set is already at capacity. Exported so dht/engine can
// merge find-k-nodes results from multiple sources into one bounded set.
type KBest struct {
	target identity.ID
	limit  int
	items  []identity.ID
	dist   []identity.Distance
}

// NewKBest creates a KBest set bounded to limit members, closest to target.
func NewKBest(target identity.ID, limit int) *KBest {
	return &KBest{target: target, limit: limit}
}

// Insert adds id to the set if there is room, or if id is strictly closer
// to target than the set's current furthest member, in which case that
// member is evicted. Duplicate insertions are no-ops.
func (kb *KBest) Insert(id identity.ID) {
	d := kb.target.XOR(id)
	for _, existing := range kb.items {
		if existing.Equal(id) {
			return
		}
	}

	if len(kb.items) < kb.limit {
		kb.items = append(kb.items, id)
		kb.dist = append(kb.dist, d)
		return
	}

	furthestIdx := 0
	for i, fd := range kb.dist {
		if kb.dist[furthestIdx].Less(fd) {
			furthestIdx = i
		}
	}
	if d.Less(kb.dist[furthestIdx]) {
		kb.items[furthestIdx] = id
		kb.dist[furthestIdx] = d
	}
}

// IDs returns the set's members, nearest-to-target first.
func (kb *KBest) IDs() []identity.ID {
	type pair struct {
		id identity.ID
		d  identity.Distance
	}
	pairs := make([]pair, len(kb.items))
	for i := range kb.items {
		pairs[i] = pair{kb.items[i], kb.dist[i]}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].d.Less(pairs[j-1].d); j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	out := make([]identity.ID, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out
}
