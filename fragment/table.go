package fragment

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
)

// DefaultBucketCount matches DEFRAG_BUCKET_COUNT in the original
// fragmentation engine.
const DefaultBucketCount = 16

// DefaultTimeout is the slot lifetime from last fragment received, per
// spec.md §4.4 ("Timeout default: 3 min from last fragment").
const DefaultTimeout = 3 * time.Minute

// DefaultGCPeriod is how often the cron sweep walks all buckets, per
// spec.md §4.4.
const DefaultGCPeriod = 60 * time.Second

// DefaultCeiling bounds a single message's declared total size; an
// oversize fragment is discarded rather than accepted, per spec.md §4.4.
// A fragment's total is a 16-bit field, so no total exceeds this default;
// a smaller Config.Ceiling makes the check reject totals above it.
const DefaultCeiling = 1 << 16

// Deliverer receives a reassembled message as though it arrived locally
// from sender, per spec.md §4.4 ("deliver... as a locally-originated
// (loopback) message from the named sender").
type Deliverer func(sender identity.ID, message []byte)

// interval is a half-open byte range [Start, End) already received.
type interval struct {
	start, end int
}

type slot struct {
	sender    identity.ID
	id        uint32
	total     int
	buf       []byte
	covered   []interval
	lastSeen  scheduler.AbsTime
}

// complete reports whether the slot's coverage spans [0, total) with no
// gaps, per spec.md §4.4's assembly trigger.
func (s *slot) complete() bool {
	return len(s.covered) == 1 && s.covered[0].start == 0 && s.covered[0].end == s.total
}

type bucket struct {
	mu    sync.Mutex
	slots map[slotKey]*slot
}

// Table is the inbound reassembly hash table of spec.md §4.4, bucketed by
// the sender identity's hash (cespare/xxhash, mirroring the original's
// hash-table-with-collision-management design but replacing its intrusive
// linked list with a plain Go map per bucket).
type Table struct {
	buckets  []bucket
	timeout  time.Duration
	ceiling  int
	deliver  Deliverer
	log      *log.Logger
	reg      *metrics.Registry
	sch      *scheduler.Scheduler
	gcJob    *scheduler.Job
	discards int64
}

// Config tunes a Table; zero values fall back to the package defaults.
type Config struct {
	BucketCount int
	Timeout     time.Duration
	Ceiling     int
	GCPeriod    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BucketCount == 0 {
		c.BucketCount = DefaultBucketCount
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Ceiling == 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.GCPeriod == 0 {
		c.GCPeriod = DefaultGCPeriod
	}
	return c
}

// NewTable creates a reassembly table and starts its periodic GC sweep on
// sch, driven by sch's clock so tests can advance it deterministically.
func NewTable(cfg Config, sch *scheduler.Scheduler, clk scheduler.Clock, logger *log.Logger, reg *metrics.Registry, deliver Deliverer) *Table {
	cfg = cfg.withDefaults()
	t := &Table{
		buckets: make([]bucket, cfg.BucketCount),
		timeout: cfg.Timeout,
		ceiling: cfg.Ceiling,
		deliver: deliver,
		log:     logger,
		reg:     reg,
		sch:     sch,
	}
	for i := range t.buckets {
		t.buckets[i].slots = make(map[slotKey]*slot)
	}
	t.gcJob = &scheduler.Job{Period: cfg.GCPeriod, Callback: func(any) { t.sweep(clk.Now()) }}
	sch.Add(t.gcJob, cfg.GCPeriod)
	return t
}

// Discards returns the running count of fragments rejected for malformed
// size/offset/total, per spec.md §4.4's failure-mode counter.
func (t *Table) Discards() int64 {
	return atomic.LoadInt64(&t.discards)
}

func (t *Table) discard(reason string) {
	atomic.AddInt64(&t.discards, 1)
	if t.reg != nil {
		t.reg.Counter("fragment/discarded").Inc(1)
	}
	if t.log != nil {
		t.log.Debug("fragment discarded", "reason", reason)
	}
}

func (t *Table) bucketFor(sender identity.ID) *bucket {
	digest := sender.Bytes()
	h := xxhash.Sum64(digest[:])
	return &t.buckets[h%uint64(len(t.buckets))]
}

// Insert feeds one inbound fragment frame from sender into the table, at
// absolute time now. When the fragment completes its message, Insert calls
// the table's Deliverer synchronously before returning.
func (t *Table) Insert(sender identity.ID, frame []byte, now scheduler.AbsTime) {
	f, err := Decode(frame)
	if err != nil {
		t.discard("malformed header")
		return
	}
	total := int(f.Total)
	if total > t.ceiling {
		t.discard("oversize total")
		return
	}
	start := int(f.Offset)
	end := start + len(f.Payload)
	if end < start || end > total {
		t.discard("overflow offset")
		return
	}

	b := t.bucketFor(sender)
	key := slotKey{sender: sender, id: f.ID}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[key]
	if !ok {
		s = &slot{sender: sender, id: f.ID, total: total, buf: make([]byte, total)}
		b.slots[key] = s
	} else if s.total != total {
		t.discard("inconsistent total")
		return
	}
	s.lastSeen = now

	if t.coveredLocked(s, start, end) {
		// Fully contained in existing coverage: drop as redundant. Per
		// spec.md §4.4 this is not one of the counted failure modes.
		return
	}
	copy(s.buf[start:end], f.Payload)
	t.mergeLocked(s, start, end)

	if s.complete() {
		message := s.buf
		delete(b.slots, key)
		t.deliver(sender, message)
	}
}

// coveredLocked reports whether [start,end) is already fully contained in
// an existing interval, per spec.md §4.4's "fully contained -> drop".
func (t *Table) coveredLocked(s *slot, start, end int) bool {
	for _, iv := range s.covered {
		if iv.start <= start && end <= iv.end {
			return true
		}
	}
	return false
}

// mergeLocked inserts [start,end) into s.covered and merges with any
// overlapping or adjacent interval, implementing the "bridge the hole"
// supersede rule uniformly with ordinary sorted insertion.
func (t *Table) mergeLocked(s *slot, start, end int) {
	merged := append(s.covered, interval{start, end})
	sort.Slice(merged, func(i, j int) bool { return merged[i].start < merged[j].start })

	out := merged[:0]
	for _, iv := range merged {
		if len(out) > 0 && iv.start <= out[len(out)-1].end {
			if iv.end > out[len(out)-1].end {
				out[len(out)-1].end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	s.covered = out
}

// sweep deletes slots whose last fragment arrived more than t.timeout ago,
// per spec.md §4.4's periodic cron GC.
func (t *Table) sweep(now scheduler.AbsTime) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for key, s := range b.slots {
			if now.Sub(s.lastSeen) > t.timeout {
				delete(b.slots, key)
			}
		}
		b.mu.Unlock()
	}
}

// Close stops the table's GC job. Callers typically share one Scheduler
// across subsystems and stop it once at shutdown instead.
func (t *Table) Close() {
	t.sch.Remove(t.gcJob)
}
