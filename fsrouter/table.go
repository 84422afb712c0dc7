package fsrouter

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// DefaultSlotCount sizes the routing table, matching the original's fixed
// hash-table-of-queries design rather than an unbounded map: a query whose
// hash maps to an occupied slot silently replaces whatever was there,
// which is how spec.md §4.6 expects TTL-expired entries to be reaped
// ("lazily... when the routing table slot is reused").
const DefaultSlotCount = 4096

// Waiter identifies one asker of a routed query: either a remote peer or
// the local client that originated it.
type Waiter struct {
	Peer  identity.ID
	Local bool
}

// entry is one routing-table slot: spec.md §4.6's
// "{query-hash, priority, ttl, set of peers the query came from (or local
// client handle), sent-to set, first-seen-time}".
type entry struct {
	queryHash content.Query
	blockType content.Type
	priority  uint32
	ttl       int32
	waiters   []Waiter
	sentTo    map[identity.ID]struct{}
	firstSeen scheduler.AbsTime
	deadline  scheduler.AbsTime

	repliesSeen map[uint64]int
}

func (e *entry) addWaiter(w Waiter) {
	for _, existing := range e.waiters {
		if existing == w {
			return
		}
	}
	e.waiters = append(e.waiters, w)
}

// Table is the anonymous FS router's query routing table: a fixed-size
// array of slots indexed by a hash of the query, per spec.md §4.6.
type Table struct {
	mu    sync.Mutex
	slots []*entry
}

// NewTable creates a Table with slotCount slots (DefaultSlotCount if <= 0).
func NewTable(slotCount int) *Table {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	return &Table{slots: make([]*entry, slotCount)}
}

func (t *Table) slotIndex(q content.Query) int {
	return int(xxhash.Sum64(q[:]) % uint64(len(t.slots)))
}

// Record merges a query into its routing slot: if the slot already holds
// an entry for the same query hash, the waiter is added and priority and
// deadline take the larger of old and new (a query re-asked by another peer should
// not shrink its own routing window); otherwise the slot is replaced
// (spec.md §4.6's lazy-reap-on-reuse policy).
func (t *Table) Record(q QueryMessage, from Waiter, now, deadline scheduler.AbsTime) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.slotIndex(q.QueryHash)
	e := t.slots[idx]
	if e != nil && e.queryHash == q.QueryHash {
		e.addWaiter(from)
		if q.Priority > e.priority {
			e.priority = q.Priority
		}
		if deadline > e.deadline {
			e.deadline = deadline
		}
		return
	}

	t.slots[idx] = &entry{
		queryHash:   q.QueryHash,
		blockType:   q.BlockType,
		priority:    q.Priority,
		ttl:         q.TTL,
		waiters:     []Waiter{from},
		sentTo:      make(map[identity.ID]struct{}),
		firstSeen:   now,
		deadline:    deadline,
		repliesSeen: make(map[uint64]int),
	}
}

// MarkSent records that query was forwarded to peer, so a later reply can
// avoid forwarding back to a peer that already has its own copy in
// flight, and so HasSent can dedupe the forwarding set.
func (t *Table) MarkSent(queryHash content.Query, peer identity.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.slots[t.slotIndex(queryHash)]
	if e == nil || e.queryHash != queryHash {
		return
	}
	e.sentTo[peer] = struct{}{}
}

// HasSent reports whether query was already forwarded to peer.
func (t *Table) HasSent(queryHash content.Query, peer identity.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.slots[t.slotIndex(queryHash)]
	if e == nil || e.queryHash != queryHash {
		return false
	}
	_, ok := e.sentTo[peer]
	return ok
}

// Lookup returns the live routing entry for queryHash, if any.
func (t *Table) Lookup(queryHash content.Query) (waiters []Waiter, priority uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.slots[t.slotIndex(queryHash)]
	if e == nil || e.queryHash != queryHash {
		return nil, 0, false
	}
	return append([]Waiter(nil), e.waiters...), e.priority, true
}

// UseReply implements spec.md §4.6 reply step 2: it looks up the routing
// entry for queryHash, returns its waiters so the caller can forward to
// each (decrementing the entry's remaining priority budget per waiter
// served), and computes a reward score reduced on each repeat of the same
// content (same contentHash) seen for this query.
func (t *Table) UseReply(queryHash content.Query, contentHash uint64) (waiters []Waiter, score int32, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.slots[t.slotIndex(queryHash)]
	if e == nil || e.queryHash != queryHash {
		return nil, 0, false
	}

	repeat := e.repliesSeen[contentHash]
	e.repliesSeen[contentHash] = repeat + 1

	served := len(e.waiters)
	for range e.waiters {
		if e.priority > 0 {
			e.priority--
		}
	}

	score = int32(served) - int32(repeat)
	return append([]Waiter(nil), e.waiters...), score, true
}
