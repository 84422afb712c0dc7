// Package bucket implements the DHT routing table of spec.md §4.7: peers
// are partitioned into buckets by XOR distance from the local identity,
// each bucket bounded in size, with periodic maintenance pinging
// stale-but-not-yet-dead entries and evicting entries that have gone
// silent for too long.
package bucket

import (
	"sync"

	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// DefaultBucketSize bounds how many peers a single bucket holds, grounded
// on the original's BUCKET_TARGET_SIZE = 4 + ALPHA*tablesCount
// (dht.c:120) evaluated for a node participating in exactly one table:
// ALPHA is DHT_FLAGS_TABLE_REPLICATION_MASK = 7 (gnunet_dht_service.h),
// giving 4+7 = 11.
const DefaultBucketSize = 11

// PeerInfo is one routing table entry: spec.md §4.7's per-peer state
// (last activity, last table refresh, last ping sent).
type PeerInfo struct {
	ID               identity.ID
	LastActivity     scheduler.AbsTime
	LastTableRefresh scheduler.AbsTime
	LastPingSent     scheduler.AbsTime
}

// bucketEntry is one fixed-capacity bucket: peers at a particular XOR
// distance band from the local identity.
type bucketEntry struct {
	mu    sync.Mutex
	size  int
	peers []*PeerInfo
}

func newBucketEntry(size int) *bucketEntry {
	return &bucketEntry{size: size}
}

// find returns the entry for id, or nil.
func (b *bucketEntry) find(id identity.ID) *PeerInfo {
	for _, p := range b.peers {
		if p.ID.Equal(id) {
			return p
		}
	}
	return nil
}

// touch updates an existing entry's activity/refresh times, or inserts a
// new one if the bucket has room, or replaces the stalest existing entry
// if the bucket is full and that entry is eligible for eviction (per
// spec.md §4.7's inactivity-death threshold). Returns the evicted peer, if
// any, so the caller can report it upstream.
func (b *bucketEntry) touch(id identity.ID, now scheduler.AbsTime, evictAfter func(p *PeerInfo) bool) (evicted *identity.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p := b.find(id); p != nil {
		p.LastActivity = now
		p.LastTableRefresh = now
		return nil
	}

	if len(b.peers) < b.size {
		b.peers = append(b.peers, &PeerInfo{ID: id, LastActivity: now, LastTableRefresh: now})
		return nil
	}

	var oldest *PeerInfo
	oldestIdx := -1
	for i, p := range b.peers {
		if evictAfter(p) {
			if oldest == nil || p.LastActivity < oldest.LastActivity {
				oldest = p
				oldestIdx = i
			}
		}
	}
	if oldest == nil {
		// Bucket is full of still-active peers: spec.md §4.7 drops the
		// newcomer rather than evicting a live peer.
		return nil
	}
	evictedID := oldest.ID
	b.peers[oldestIdx] = &PeerInfo{ID: id, LastActivity: now, LastTableRefresh: now}
	return &evictedID
}

// remove deletes id from the bucket if present.
func (b *bucketEntry) remove(id identity.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.peers {
		if p.ID.Equal(id) {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

func (b *bucketEntry) snapshot() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PeerInfo, len(b.peers))
	for i, p := range b.peers {
		out[i] = *p
	}
	return out
}
