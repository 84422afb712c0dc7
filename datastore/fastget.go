package datastore

import (
	"github.com/VictoriaMetrics/fastcache"

	"github.com/netmesh/overlay/content"
)

// fastGetCache holds a one-byte presence marker (not the payload) for each
// (key, type) pair the Store has inserted or found in its backend at open,
// so that repeat fast-get probes for the same content (spec.md §4.5's
// "fast-get(key) for bloom-filter-backed presence probe") answer without
// consulting the bloom filters. Get does not add markers.
type fastGetCache struct {
	c *fastcache.Cache
}

func newFastGetCache(maxBytes int) *fastGetCache {
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	return &fastGetCache{c: fastcache.New(maxBytes)}
}

func fastGetCacheKey(key content.Query, typ content.Type) []byte {
	buf := make([]byte, len(key)+1)
	copy(buf, key[:])
	buf[len(key)] = byte(typ)
	return buf
}

// markPresent records that (key, typ) is present, so a subsequent
// fast-get can answer true without a bloom probe or backend hit.
func (f *fastGetCache) markPresent(key content.Query, typ content.Type) {
	k := fastGetCacheKey(key, typ)
	var one [1]byte
	one[0] = 1
	f.c.Set(k, one[:])
}

// probe reports whether (key, typ) was recently confirmed present.
func (f *fastGetCache) probe(key content.Query, typ content.Type) bool {
	k := fastGetCacheKey(key, typ)
	_, ok := f.c.HasGet(nil, k)
	return ok
}

// forget drops a cached presence marker after (key, typ) is deleted or
// evicted. The underlying bloom filter never unlearns a key it has seen,
// so this only prevents the fast-path cache itself from vouching for
// content that is now gone; FastGet can still fall through to a stale
// bloom-filter positive, same as any append-only bloom filter.
func (f *fastGetCache) forget(key content.Query, typ content.Type) {
	f.c.Del(fastGetCacheKey(key, typ))
}
