package datastore

import (
	"sync"

	"github.com/netmesh/overlay/content"
)

// MemoryBackend is the default in-memory RawBackend, used by tests and by
// nodes with no on-disk requirement.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[pairKey][]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[pairKey][]Entry)}
}

func (b *MemoryBackend) Insert(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pairKey{key: e.Key, typ: e.Type}
	b.entries[k] = append(b.entries[k], e)
	return nil
}

func (b *MemoryBackend) Iterate(key content.Query, typ content.Type, fn Iterator) error {
	b.mu.RLock()
	list := append([]Entry(nil), b.entries[pairKey{key: key, typ: typ}]...)
	b.mu.RUnlock()
	for _, e := range list {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (b *MemoryBackend) IterateAll(fn Iterator) error {
	b.mu.RLock()
	var all []Entry
	for _, list := range b.entries {
		all = append(all, list...)
	}
	b.mu.RUnlock()
	for _, e := range all {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (b *MemoryBackend) Delete(key content.Query, typ content.Type, value []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pairKey{key: key, typ: typ}
	list := b.entries[k]
	if list == nil {
		return 0, nil
	}
	if value == nil {
		n := len(list)
		delete(b.entries, k)
		return n, nil
	}
	var kept []Entry
	removed := 0
	for _, e := range list {
		if string(e.Payload) == string(value) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(b.entries, k)
	} else {
		b.entries[k] = kept
	}
	return removed, nil
}

func (b *MemoryBackend) Close() error { return nil }
