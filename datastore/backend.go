package datastore

import "github.com/netmesh/overlay/content"

// RawBackend is the pluggable low-level persistence layer spec.md §6
// calls out ("pluggable datastores"). It has no notion of quota or
// eviction — that policy lives once, in Store, so every backend gets it
// for free.
type RawBackend interface {
	// Insert appends e as a new stored record; distinct records may share
	// (Key, Type) when their Payload differs, matching spec.md §4.5's
	// del-by-value semantics ("if a value is supplied to del only entries
	// byte-equal to it are removed").
	Insert(e Entry) error

	// Iterate calls fn for every stored entry matching key and typ, in
	// backend-defined order, until fn returns false or entries are
	// exhausted.
	Iterate(key content.Query, typ content.Type, fn Iterator) error

	// IterateAll calls fn for every stored entry regardless of key/type,
	// used for eviction scans and priority-descending migration sampling.
	IterateAll(fn Iterator) error

	// Delete removes every stored entry matching key and typ whose
	// Payload equals value; if value is nil, every entry matching key and
	// typ is removed regardless of payload. Returns the count removed.
	Delete(key content.Query, typ content.Type, value []byte) (int, error)

	// Close releases any resources the backend holds (file handles,
	// in-memory maps need no action).
	Close() error
}
