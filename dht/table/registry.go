package table

import (
	"fmt"
	"sync"

	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/identity"
)

// Registry tracks every table this node currently participates in,
// always including the master table (spec.md §4.7's "For every table
// this peer participates in (except the master table)..." implies the
// master table is itself always present, never joined/left by a client).
type Registry struct {
	mu     sync.Mutex
	self   identity.ID
	master *Table
	tables map[ID]*Table
}

// NewRegistry creates a Registry, pre-joining the master table over
// masterStore.
func NewRegistry(self identity.ID, masterStore *datastore.Store, routingCfg bucket.Config) *Registry {
	master := New(Master, 0, self, masterStore, routingCfg)
	return &Registry{
		self:   self,
		master: master,
		tables: map[ID]*Table{Master: master},
	}
}

// Master returns the always-present master table.
func (r *Registry) Master() *Table {
	return r.master
}

// Join adds a table, implementing the DHT client protocol's join(table,
// flags, timeout) (spec.md §6); the timeout is the caller's
// responsibility (an abort job on the shared scheduler), not modeled
// here. Joining the master table explicitly is rejected: it is always
// present and carries no client-chosen flags.
func (r *Registry) Join(id ID, flags Flags, store *datastore.Store, routingCfg bucket.Config) (*Table, error) {
	if IsMaster(id) {
		return nil, fmt.Errorf("table: cannot join the master table explicitly")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[id]; ok {
		return t, nil
	}
	t := New(id, flags, r.self, store, routingCfg)
	r.tables[id] = t
	return t, nil
}

// Leave removes a table, implementing leave(table, flags, timeout)
// (spec.md §6). Leaving the master table is a no-op: "No migration is
// performed when leaving the master table" (spec.md §4.8) because the
// master table is never actually left. The caller (dht/engine) is
// responsible for running migration-on-leave against the returned
// Table's Store/Flags before discarding it.
func (r *Registry) Leave(id ID) (*Table, bool) {
	if IsMaster(id) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[id]
	if !ok {
		return nil, false
	}
	delete(r.tables, id)
	return t, true
}

// Lookup returns the Table for id, if joined (or the master table).
func (r *Registry) Lookup(id ID) (*Table, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[id]
	return t, ok
}

// Joined returns every non-master table id currently joined, the
// iteration set for table-maintenance step 1 ("for every table this peer
// participates in, except the master table...").
func (r *Registry) Joined() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ID, 0, len(r.tables))
	for id := range r.tables {
		if IsMaster(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// All returns every joined table including the master table, for
// maintenance step 3 ("for every bucket...").
func (r *Registry) All() []*Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	return out
}
