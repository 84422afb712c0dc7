package bucket

import (
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/scheduler"
)

func idOf(b byte) identity.ID {
	var d [identity.Size]byte
	d[0] = b
	return identity.FromDigest(d)
}

func randID(r *rand.Rand) identity.ID {
	var d [identity.Size]byte
	r.Read(d[:])
	return identity.FromDigest(d)
}

func TestTableBucketIndexIsLeadingZeros(t *testing.T) {
	self := idOf(0x00)
	peer := idOf(0x80) // differs from self in the top bit
	tbl := New(self, Config{})
	assert.Equal(t, self.XOR(peer).LeadingZeros(), tbl.bucketIndex(peer))
}

func TestTouchInsertsThenRefreshesSamePeer(t *testing.T) {
	tbl := New(idOf(0), Config{BucketSize: 2})
	peer := idOf(1)

	evicted := tbl.Touch(peer, scheduler.AbsTime(0))
	assert.Nil(t, evicted)

	evicted = tbl.Touch(peer, scheduler.AbsTime(time.Second))
	assert.Nil(t, evicted, "refreshing an existing peer must never evict")

	all := tbl.AllPeers()
	require.Len(t, all, 1)
	assert.Equal(t, scheduler.AbsTime(time.Second), all[0].LastActivity)
}

func TestTouchNeverEvictsSelf(t *testing.T) {
	self := idOf(5)
	tbl := New(self, Config{})
	evicted := tbl.Touch(self, scheduler.AbsTime(0))
	assert.Nil(t, evicted)
	assert.Empty(t, tbl.AllPeers())
}

// TestTouchDropsNewcomerWhenBucketFullOfLivePeers confirms spec.md §4.7:
// a full bucket whose members are all still active refuses the newcomer
// rather than evicting a live peer.
func TestTouchDropsNewcomerWhenBucketFullOfLivePeers(t *testing.T) {
	self := idOf(0)
	tbl := New(self, Config{BucketSize: 1, InactivityDeath: scheduler.AbsTime(time.Hour)})

	// Two peers landing in the same bucket (same leading-zero count as self).
	var zero identity.ID
	var a, b identity.ID
	for i := 0; i < 256; i++ {
		var d [identity.Size]byte
		d[0], d[1] = 1, byte(i)
		cand := identity.FromDigest(d)
		if tbl.bucketIndex(cand) == tbl.bucketIndex(idOf(1)) {
			if a.Equal(zero) {
				a = cand
				continue
			}
			b = cand
			break
		}
	}
	require.False(t, a.Equal(zero))
	require.False(t, b.Equal(zero))

	now := scheduler.AbsTime(0)
	require.Nil(t, tbl.Touch(a, now))
	evicted := tbl.Touch(b, now.Add(time.Second))
	assert.Nil(t, evicted, "bucket is full of live peers, newcomer must be dropped")
	all := tbl.AllPeers()
	require.Len(t, all, 1)
	assert.True(t, all[0].ID.Equal(a))
}

// TestTouchEvictsDeadPeerForNewcomer confirms the complementary case: once
// the sole occupant has gone silent past inactivityDeath, a newcomer
// takes its place.
func TestTouchEvictsDeadPeerForNewcomer(t *testing.T) {
	self := idOf(0)
	death := scheduler.AbsTime(time.Minute)
	tbl := New(self, Config{BucketSize: 1, InactivityDeath: death})

	var zero identity.ID
	var a, b identity.ID
	for i := 0; i < 256; i++ {
		var d [identity.Size]byte
		d[0], d[1] = 1, byte(i)
		cand := identity.FromDigest(d)
		if tbl.bucketIndex(cand) == tbl.bucketIndex(idOf(1)) {
			if a.Equal(zero) {
				a = cand
				continue
			}
			b = cand
			break
		}
	}

	require.Nil(t, tbl.Touch(a, scheduler.AbsTime(0)))
	evicted := tbl.Touch(b, scheduler.AbsTime(0)+death+1)
	require.NotNil(t, evicted)
	assert.True(t, evicted.Equal(a))
	all := tbl.AllPeers()
	require.Len(t, all, 1)
	assert.True(t, all[0].ID.Equal(b))
}

// TestKBestInsertKeepsClosestSet locks in Testable Property 6: for any
// sequence of insertions into a k-best set aimed at key K, the resulting
// set equals the k identities with smallest XOR-distance to K among all
// inserted identities.
func TestKBestInsertKeepsClosestSet(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	target := randID(r)
	const n = 200
	const k = 8

	all := make([]identity.ID, n)
	kb := NewKBest(target, k)
	for i := range all {
		all[i] = randID(r)
		kb.Insert(all[i])
	}

	// Brute-force the true k closest.
	type pair struct {
		id identity.ID
		d  identity.Distance
	}
	pairs := make([]pair, len(all))
	for i, id := range all {
		pairs[i] = pair{id, target.XOR(id)}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].d.Less(pairs[j-1].d); j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	want := make(map[identity.ID]bool, k)
	for _, p := range pairs[:k] {
		want[p.id] = true
	}

	got := kb.IDs()
	require.Len(t, got, k)
	for _, id := range got {
		assert.True(t, want[id], "kbest set contains an identity outside the true k closest")
	}
}

func TestKBestInsertIgnoresDuplicates(t *testing.T) {
	target := idOf(0)
	kb := NewKBest(target, 4)
	peer := idOf(9)
	kb.Insert(peer)
	kb.Insert(peer)
	assert.Len(t, kb.IDs(), 1)
}

func TestClosestOrdersByDistance(t *testing.T) {
	self := idOf(0)
	tbl := New(self, Config{BucketSize: 32})
	peers := []identity.ID{idOf(1), idOf(2), idOf(4), idOf(8), idOf(16)}
	for i, p := range peers {
		tbl.Touch(p, scheduler.AbsTime(time.Duration(i)*time.Second))
	}

	closest := tbl.Closest(idOf(1), 2)
	require.Len(t, closest, 2)
	assert.True(t, closest[0].Equal(idOf(1)), "exact match must be nearest")
}

func TestMaintainerEvictsDeadAndPingsStale(t *testing.T) {
	self := idOf(0)
	death := scheduler.AbsTime(DefaultMaintainFrequency * 4)
	tbl := New(self, Config{BucketSize: 8, InactivityDeath: death})

	dead := idOf(1)
	stale := idOf(2)
	clk := &scheduler.Simulated{}
	tbl.Touch(dead, clk.Now())
	tbl.Touch(stale, clk.Now())

	sched := scheduler.New(clk, log.New(io.Discard, log.LevelError))
	defer sched.Stop()

	var mu sync.Mutex
	var pinged []identity.ID
	m := NewMaintainer(tbl, clk, sched, DefaultMaintainFrequency, func(id identity.ID) {
		mu.Lock()
		pinged = append(pinged, id)
		mu.Unlock()
	})
	defer m.Stop()

	// Refresh `stale` partway through so it survives past half-death but
	// still qualifies for a ping, while `dead` never gets refreshed again.
	clk.Run(death / 2)
	tbl.Touch(stale, clk.Now())

	clk.Run(DefaultMaintainFrequency)
	time.Sleep(10 * time.Millisecond)

	all := tbl.AllPeers()
	var found bool
	for _, p := range all {
		if p.ID.Equal(dead) {
			found = true
		}
	}
	assert.False(t, found, "dead peer must be gone after sweeping past inactivityDeath")

	mu.Lock()
	gotPing := len(pinged) > 0 && pinged[0].Equal(stale)
	mu.Unlock()
	assert.True(t, gotPing, "stale-but-not-dead peer must be pinged")
}
