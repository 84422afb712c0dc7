package bucket

import (
	"time"

	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// bucketCount covers every possible leading-zero count of an XOR distance
// over a full-width identity, including the degenerate "identical to
// self" case (distance all zero, LeadingZeros == identity.Size*8).
const bucketCount = identity.Size*8 + 1

// Table is the DHT routing table of spec.md §4.7: buckets partition the
// XOR-distance space from self, found for a given peer by scanning
// identity bits most-significant-first for the highest bit that differs.
type Table struct {
	self    identity.ID
	buckets [bucketCount]*bucketEntry

	inactivityDeath     scheduler.AbsTime
	inactivityDeathHalf scheduler.AbsTime
	pingFloor           scheduler.AbsTime
}

// Config tunes a Table's bucket size and inactivity thresholds.
type Config struct {
	BucketSize int
	// InactivityDeath is the age past which a silent peer is evicted on
	// next contact or maintenance sweep (spec.md §4.7); zero selects
	// DefaultInactivityDeath.
	InactivityDeath scheduler.AbsTime
}

// DefaultMaintainFrequency is the original's DHT_MAINTAIN_FREQUENCY
// (dht.c:88): 15 cron seconds.
const DefaultMaintainFrequency = 15 * time.Second

// DefaultInactivityDeath is the original's DHT_INACTIVITY_DEATH
// (dht.c:99): 56 * DHT_MAINTAIN_FREQUENCY.
const DefaultInactivityDeath = scheduler.AbsTime(56 * DefaultMaintainFrequency)

func (c Config) withDefaults() Config {
	if c.BucketSize <= 0 {
		c.BucketSize = DefaultBucketSize
	}
	if c.InactivityDeath <= 0 {
		c.InactivityDeath = DefaultInactivityDeath
	}
	return c
}

// New creates a routing table for identity self.
func New(self identity.ID, cfg Config) *Table {
	cfg = cfg.withDefaults()
	t := &Table{
		self:                self,
		inactivityDeath:     cfg.InactivityDeath,
		inactivityDeathHalf: cfg.InactivityDeath / 2,
		pingFloor:           cfg.InactivityDeath / 6,
	}
	for i := range t.buckets {
		t.buckets[i] = newBucketEntry(cfg.BucketSize)
	}
	return t
}

// bucketIndex finds the bucket covering peer: the number of leading bits
// peer's identity shares with self, per spec.md §4.7.
func (t *Table) bucketIndex(peer identity.ID) int {
	return t.self.XOR(peer).LeadingZeros()
}

// Touch records activity from peer at time now, inserting it into its
// bucket if there is room, refreshing it if already present, or evicting
// the bucket's stalest still-silent entry to make room. Returns the
// identity evicted to make room, if any.
func (t *Table) Touch(peer identity.ID, now scheduler.AbsTime) (evicted *identity.ID) {
	if peer.Equal(t.self) {
		return nil
	}
	b := t.buckets[t.bucketIndex(peer)]
	return b.touch(peer, now, func(p *PeerInfo) bool {
		return now-p.LastActivity > t.inactivityDeath
	})
}

// Remove deletes peer from the table unconditionally.
func (t *Table) Remove(peer identity.ID) {
	t.buckets[t.bucketIndex(peer)].remove(peer)
}

// markPingSent records that a liveness ping was just sent to peer, so the
// maintenance sweep's re-ping floor (inactivityDeath/6) is honored.
func (t *Table) markPingSent(peer identity.ID, now scheduler.AbsTime) {
	b := t.buckets[t.bucketIndex(peer)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.find(peer); p != nil {
		p.LastPingSent = now
	}
}

// Closest returns up to n peers closest to target across the whole
// table, ordered nearest-first, implementing the local-bucket portion of
// the find-k-nodes pattern (spec.md §4.7/§4.8): every peer of every bucket
// is offered to a KBest set bounded to n.
func (t *Table) Closest(target identity.ID, n int) []identity.ID {
	kb := NewKBest(target, n)
	for _, b := range t.buckets {
		for _, p := range b.snapshot() {
			kb.Insert(p.ID)
		}
	}
	return kb.IDs()
}

// AllPeers returns every peer currently in the table, for maintenance and
// debugging.
func (t *Table) AllPeers() []PeerInfo {
	var out []PeerInfo
	for _, b := range t.buckets {
		out = append(out, b.snapshot()...)
	}
	return out
}
