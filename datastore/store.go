package datastore

import (
	"sort"
	"sync"

	"github.com/netmesh/overlay/content"
)

// Store is the Content Store of spec.md §4.5, built once over any
// RawBackend so quota accounting, eviction, bloom-filtered fast-get, and
// migration sampling are implemented exactly once regardless of which
// backend is plugged in.
type Store struct {
	mu      sync.Mutex
	backend RawBackend
	bloom   *bloomPair
	fast    *fastGetCache

	quotaTotal uint64
	usedBytes  uint64
}

// Config tunes a Store; QuotaBytes is the hard ceiling on total stored
// payload+overhead. ExpectedEntries sizes the bloom filters; FastCacheBytes
// sizes the fast-get memoization cache.
type Config struct {
	QuotaBytes      uint64
	ExpectedEntries uint64
	FastCacheBytes  int
}

// NewStore wraps backend with quota/eviction/bloom/fast-get policy.
func NewStore(backend RawBackend, cfg Config) (*Store, error) {
	bp, err := newBloomPair(cfg.ExpectedEntries)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend:    backend,
		bloom:      bp,
		fast:       newFastGetCache(cfg.FastCacheBytes),
		quotaTotal: cfg.QuotaBytes,
	}
	// Prime accounting and the bloom filters from whatever the backend
	// already holds (e.g. reopening an on-disk store).
	_ = backend.IterateAll(func(e Entry) bool {
		s.usedBytes += e.sizeBytes()
		s.bloom.insert(e.Key, e.Type)
		s.fast.markPresent(e.Key, e.Type)
		return true
	})
	return s, nil
}

// Put inserts e, evicting lower-priority entries if needed, per spec.md
// §4.5's invariant: "put never fails silently — it returns NO when the
// store is full AND the new item's priority does not exceed the lowest
// retained item's; in that case no eviction occurs. When eviction is
// needed, the lowest-priority item is removed first; ties are broken by
// nearest expiration."
func (s *Store) Put(e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(e)
}

func (s *Store) putLocked(e Entry) (bool, error) {
	need := e.sizeBytes()
	if s.usedBytes+need <= s.quotaTotal {
		if err := s.backend.Insert(e); err != nil {
			return false, err
		}
		s.usedBytes += need
		s.bloom.insert(e.Key, e.Type)
		s.fast.markPresent(e.Key, e.Type)
		return true, nil
	}

	victims, err := s.evictionCandidatesLocked()
	if err != nil {
		return false, err
	}
	if len(victims) == 0 || e.Priority <= victims[0].Priority {
		return false, nil
	}

	var reclaimed uint64
	for _, v := range victims {
		if s.usedBytes-reclaimed+need <= s.quotaTotal {
			break
		}
		if v.Priority > e.Priority {
			// No more victims cheap enough to evict without discarding
			// content this new item isn't even more important than.
			s.usedBytes -= reclaimed
			return false, nil
		}
		if _, err := s.backend.Delete(v.Key, v.Type, v.Payload); err != nil {
			return false, err
		}
		reclaimed += v.sizeBytes()
		s.fast.forget(v.Key, v.Type)
	}
	s.usedBytes -= reclaimed

	if s.usedBytes+need > s.quotaTotal {
		return false, nil
	}
	if err := s.backend.Insert(e); err != nil {
		return false, err
	}
	s.usedBytes += need
	s.bloom.insert(e.Key, e.Type)
	s.fast.markPresent(e.Key, e.Type)
	return true, nil
}

// evictionCandidatesLocked returns every stored entry sorted ascending by
// priority, ties broken by nearest expiration, per spec.md §4.5.
func (s *Store) evictionCandidatesLocked() ([]Entry, error) {
	var all []Entry
	err := s.backend.IterateAll(func(e Entry) bool {
		all = append(all, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].Expiration.Before(all[j].Expiration)
	})
	return all, nil
}

// PutUpdate inserts e, merging with an existing entry sharing the same
// Key, Type, and Payload by taking the larger priority and the later
// expiration, per spec.md §4.5 ("put-update(key, value, merging
// priorities/expiration)").
func (s *Store) PutUpdate(e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Entry
	_ = s.backend.Iterate(e.Key, e.Type, func(found Entry) bool {
		if string(found.Payload) == string(e.Payload) {
			found := found
			existing = &found
			return false
		}
		return true
	})
	if existing == nil {
		return s.putLocked(e)
	}

	merged := *existing
	changed := false
	if e.Priority > merged.Priority {
		merged.Priority = e.Priority
		changed = true
	}
	if e.Expiration.After(merged.Expiration) {
		merged.Expiration = e.Expiration
		changed = true
	}
	if !changed {
		return true, nil
	}
	if _, err := s.backend.Delete(existing.Key, existing.Type, existing.Payload); err != nil {
		return false, err
	}
	s.usedBytes -= existing.sizeBytes()
	return s.putLocked(merged)
}

// Get invokes it for every entry matching key and typ, per spec.md §4.5.
func (s *Store) Get(key content.Query, typ content.Type, it Iterator) error {
	return s.backend.Iterate(key, typ, it)
}

// FastGet is a bloom-filter-backed presence probe, per spec.md §4.5. A
// false result is authoritative; a true result means "probably, confirm
// with Get."
func (s *Store) FastGet(key content.Query, typ content.Type) bool {
	if s.fast.probe(key, typ) {
		return true
	}
	return s.bloom.mayContain(key, typ)
}

// Del removes entries matching key and typ; if value is non-nil only
// byte-equal entries are removed, per spec.md §4.5.
func (s *Store) Del(key content.Query, typ content.Type, value []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removedBytes uint64
	_ = s.backend.Iterate(key, typ, func(e Entry) bool {
		if value == nil || string(e.Payload) == string(value) {
			removedBytes += e.sizeBytes()
		}
		return true
	})
	n, err := s.backend.Delete(key, typ, value)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.usedBytes -= removedBytes
		s.fast.forget(key, typ)
	}
	return n, nil
}

// GetRandom returns entries of type typ nearest to near by XOR distance on
// the content query, stopping before the running payload total would
// exceed sizeLimit, for DHT migration-on-leave sampling (spec.md §4.5).
// The nearest entry is always included, even when it alone exceeds
// sizeLimit.
func (s *Store) GetRandom(near content.Query, sizeLimit int, typ content.Type) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Entry
	err := s.backend.IterateAll(func(e Entry) bool {
		if e.Type == typ {
			all = append(all, e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return queryDistance(near, all[i].Key) < queryDistance(near, all[j].Key)
	})

	var out []Entry
	var total int
	for _, e := range all {
		if total+len(e.Payload) > sizeLimit && len(out) > 0 {
			break
		}
		out = append(out, e)
		total += len(e.Payload)
	}
	return out, nil
}

// IteratePriorityDescending walks every stored entry from highest to
// lowest priority, used by DHT migration-on-leave (SPEC_FULL.md §6.5's
// supplement: "migration may iterate priority-descending as a quality
// improvement", spec.md §9).
func (s *Store) IteratePriorityDescending(fn Iterator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Entry
	err := s.backend.IterateAll(func(e Entry) bool {
		all = append(all, e)
		return true
	})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Priority > all[j].Priority })
	for _, e := range all {
		if !fn(e) {
			break
		}
	}
	return nil
}

// Quota reports current usage against the configured ceiling, supplemental
// per SPEC_FULL.md §6.5 for migration batching and internal/debugdump.
func (s *Store) Quota() (used, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes, s.quotaTotal
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func queryDistance(a, b content.Query) int {
	var d int
	for i := range a {
		x := a[i] ^ b[i]
		for x != 0 {
			d++
			x &= x - 1
		}
	}
	return d
}
