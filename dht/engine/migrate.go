package engine

import (
	"context"
	"fmt"

	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/scheduler"
)

// LeaveWithMigration implements spec.md §4.8's migration-on-leave: the
// table is removed from the registry first (table.Registry.Leave already
// refuses/no-ops on the master table id, so "no migration is performed
// when leaving the master table" falls out without a separate check
// here), then, if its flags carry the migration bit, every entry still in
// its local datastore is iterated in priority-descending order (the
// quality improvement SPEC_FULL.md §6.8 permits over an unordered scan)
// and re-inserted into the DHT via Put against the same table id —
// which, since the table was just removed from the registry, naturally
// falls back to find-k-nodes rather than a local insert. Iteration stops
// once deadline passes.
func (e *Engine) LeaveWithMigration(ctx context.Context, tableID table.ID, deadline scheduler.AbsTime) error {
	left, ok := e.registry.Leave(tableID)
	if !ok {
		return fmt.Errorf("engine: table %x not joined", tableID)
	}
	if !left.Flags.MigrationOnLeave() || left.Store == nil {
		return nil
	}
	return left.Store.IteratePriorityDescending(func(entry datastore.Entry) bool {
		if e.clk.Now() >= deadline {
			return false
		}
		e.Put(ctx, left.ID, entry, 0, deadline, nil)
		return true
	})
}
