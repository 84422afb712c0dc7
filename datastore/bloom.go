package datastore

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/netmesh/overlay/content"
)

// bloomPair is the Content Store's two-tier presence filter, supplemental
// per SPEC_FULL.md §6.5: a small, coarse "super-block" filter gates a
// finer "single-block" filter, so the overwhelmingly common case (key is
// absent) rejects in one cheap probe against the coarse filter before
// touching the larger one. Every stored (key,type) pair is added to both.
type bloomPair struct {
	mu    sync.RWMutex
	super *bloomfilter.Filter // coarse, sized for a tenth of the expected entries
	block *bloomfilter.Filter // fine, sized for all expected entries
}

// newBloomPair sizes the block filter for expectedEntries at a 1% false
// positive rate and the super filter for a tenth of that count at 10%,
// trading a higher false-positive rate for a cheaper first probe.
func newBloomPair(expectedEntries uint64) (*bloomPair, error) {
	if expectedEntries == 0 {
		expectedEntries = 1024
	}
	super, err := bloomfilter.NewOptimal(expectedEntries/10+1, 0.1)
	if err != nil {
		return nil, err
	}
	block, err := bloomfilter.NewOptimal(expectedEntries, 0.01)
	if err != nil {
		return nil, err
	}
	return &bloomPair{super: super, block: block}, nil
}

func bloomHash(key content.Query, typ content.Type) *xxhash.Digest {
	h := xxhash.New()
	h.Write(key[:])
	h.Write([]byte{byte(typ)})
	return h
}

func (b *bloomPair) insert(key content.Query, typ content.Type) {
	h := bloomHash(key, typ)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.super.Add(h)
	b.block.Add(h)
}

// mayContain reports whether (key, typ) might be present. A false result
// is a hard guarantee of absence; a true result requires confirmation
// against the backend.
func (b *bloomPair) mayContain(key content.Query, typ content.Type) bool {
	h := bloomHash(key, typ)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.super.Contains(h) {
		return false
	}
	return b.block.Contains(h)
}
