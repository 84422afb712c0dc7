package hello

import (
	"sync"
	"time"

	"github.com/netmesh/overlay/identity"
)

type cacheKey struct {
	id         identity.ID
	protocolID uint16
}

// Cache holds the current hello per (identity, transport) pair, per
// spec.md §3. Writers install a new immutable Hello; readers take a
// snapshot pointer, per spec.md §5's shared-resource policy for the hello
// cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]Hello
}

// NewCache creates an empty hello cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]Hello)}
}

// Put verifies h and installs it as the current hello for its (identity,
// transport) pair, replacing any earlier one. A verification failure is
// reported to the caller rather than silently dropped, since hello
// ingestion usually happens synchronously off a freshly received frame.
func (c *Cache) Put(h Hello, now time.Time) error {
	if err := h.Verify(now); err != nil {
		return err
	}
	key := cacheKey{id: h.Subject, protocolID: h.ProtocolID}
	c.mu.Lock()
	c.entries[key] = h
	c.mu.Unlock()
	return nil
}

// Get returns the current hello for (id, protocolID), if any and not
// expired as of now.
func (c *Cache) Get(id identity.ID, protocolID uint16, now time.Time) (Hello, bool) {
	c.mu.RLock()
	h, ok := c.entries[cacheKey{id: id, protocolID: protocolID}]
	c.mu.RUnlock()
	if !ok || now.After(h.Expiration) {
		return Hello{}, false
	}
	return h, true
}

// GetAny returns every current, unexpired hello known for id, across all
// transports it has advertised.
func (c *Cache) GetAny(id identity.ID, now time.Time) []Hello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Hello
	for key, h := range c.entries {
		if key.id.Equal(id) && !now.After(h.Expiration) {
			out = append(out, h)
		}
	}
	return out
}

// Sweep drops every expired entry; intended to be driven by a periodic
// cron job (spec.md §2, "Scheduler drives all periodic work... hello
// refresh").
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, h := range c.entries {
		if now.After(h.Expiration) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
