// Package table implements the DHT table abstraction of spec.md §4.7/§4.8:
// a named table is {table-id, flags, routing, datastore}, with the
// distinguished all-zero master table holding the {table-id → participant
// identity} directory every other table's maintenance advertises into.
package table

import (
	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/identity"
)

// ID names a DHT table; spec.md §6 reuses the same 32-byte content
// addressing space as the Content Store's query hashes.
type ID = content.Query

// Master is the all-zero table identifier (dht.c:3669,
// "memset(&masterTableId, 0, sizeof(HashCode160))") under which every
// other joined table advertises a {table-id → self} record.
var Master ID

// IsMaster reports whether id is the master table.
func IsMaster(id ID) bool { return id == Master }

// Flags is the DHT operation flags bitmask of spec.md §6: the low 3 bits
// (mask 0x7, matching the original's DHT_FLAGS_TABLE_REPLICATION_MASK)
// hold a replication/result-count field; bit 3 is migration-on-leave, bit
// 4 is cacheable.
type Flags uint32

const (
	ReplicationMask Flags = 0x7
	MigrationFlag   Flags = 1 << 3
	CacheFlag       Flags = 1 << 4
)

// Replication returns the low-bits replication/result-count field.
func (f Flags) Replication() int { return int(f & ReplicationMask) }

// MigrationOnLeave reports whether this table's content should be
// migrated into the DHT when the local node leaves it (spec.md §4.8).
func (f Flags) MigrationOnLeave() bool { return f&MigrationFlag != 0 }

// Cacheable reports whether replies seen while serving this table may be
// opportunistically cached by intermediate peers.
func (f Flags) Cacheable() bool { return f&CacheFlag != 0 }

// Table is one DHT table a node participates in: its own datastore handle
// (the entries this node is currently responsible for within the table)
// and its own routing view of peers known to serve the table.
type Table struct {
	ID      ID
	Flags   Flags
	Store   *datastore.Store
	Routing *bucket.Table
}

// New creates a Table. store may be a dedicated datastore.Store or one
// shared across tables; routingCfg tunes the table's own bucket.Table.
func New(id ID, flags Flags, self identity.ID, store *datastore.Store, routingCfg bucket.Config) *Table {
	return &Table{
		ID:      id,
		Flags:   flags,
		Store:   store,
		Routing: bucket.New(self, routingCfg),
	}
}
