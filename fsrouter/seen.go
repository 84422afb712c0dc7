package fsrouter

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/identity"
)

// DefaultSeenCacheSize bounds the recently-seen (sender, query-hash) cache
// used to drop immediate flood repeats before they reach policy
// evaluation at all.
const DefaultSeenCacheSize = 8192

// seenCache is a simple flood guard: an (sender, query-hash) pair that was
// just processed is dropped on the next sighting rather than routed again,
// same purpose as the original handler's "already routed this exact
// query from this exact peer" short-circuit, implemented here with an LRU
// instead of a fixed ring buffer.
type seenCache struct {
	c *lru.Cache
}

func newSeenCache(size int) *seenCache {
	if size <= 0 {
		size = DefaultSeenCacheSize
	}
	c, _ := lru.New(size)
	return &seenCache{c: c}
}

type seenKey struct {
	peer identity.ID
	hash content.Query
}

// markAndCheck reports whether (peer, queryHash) was already seen, and
// records it as seen either way.
func (s *seenCache) markAndCheck(peer identity.ID, queryHash content.Query) bool {
	k := seenKey{peer: peer, hash: queryHash}
	_, seen := s.c.Get(k)
	s.c.Add(k, struct{}{})
	return seen
}
