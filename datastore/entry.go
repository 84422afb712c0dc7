// Package datastore implements the Content Store of spec.md §4.5: a
// quota-bounded key/value store keyed by content query and block type,
// with priority/expiration-based eviction, presence probing via two
// layered bloom filters, and a migration-sampling operation for the DHT.
package datastore

import (
	"time"

	"github.com/netmesh/overlay/content"
)

// Entry is one stored block, per SPEC_FULL.md §5: "datastore.Entry{Key,
// Type, Priority, Anonymity, Expiration, Payload}".
type Entry struct {
	Key        content.Query
	Type       content.Type
	Priority   uint32
	Anonymity  uint32
	Expiration time.Time
	Payload    []byte
}

// sizeBytes is the accounting unit for quota purposes: the stored
// payload plus a fixed per-entry overhead for the key/metadata, so an
// empty-payload flood still consumes quota.
func (e Entry) sizeBytes() uint64 {
	const overhead = 64
	return uint64(len(e.Payload)) + overhead
}

// Iterator receives matching entries in undefined order; returning false
// aborts iteration early, per spec.md §4.5.
type Iterator func(Entry) bool

type pairKey struct {
	key content.Query
	typ content.Type
}
