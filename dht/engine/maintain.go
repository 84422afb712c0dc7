package engine

import (
	"context"
	"time"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// Maintainer runs spec.md §4.7's table-maintenance steps 1 and 2 on the
// shared cron scheduler (step 3, per-bucket eviction/ping, is
// dht/bucket.Maintainer's job, one instance per joined table). Every
// period, for each table this node has joined (excluding the master
// table itself):
//  1. async-put a single {table-id -> self-identity} record into the
//     master table with replication alpha, so other peers can discover
//     who currently serves this table (dht.c:3515-3540).
//  2. start a find-nodes walk toward self to refresh the table's
//     neighbors, touching each discovered peer into the table's routing
//     buckets (dht.c:3543-3556).
type Maintainer struct {
	e      *Engine
	alpha  int
	period time.Duration
	job    *scheduler.Job
}

// NewMaintainer starts periodic table maintenance for e on its shared
// scheduler. period defaults to bucket.DefaultMaintainFrequency and alpha
// to DefaultAlpha when zero.
func NewMaintainer(e *Engine, period time.Duration, alpha int) *Maintainer {
	if period <= 0 {
		period = bucket.DefaultMaintainFrequency
	}
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	m := &Maintainer{e: e, alpha: alpha, period: period}
	m.job = &scheduler.Job{Period: period, Callback: func(any) { m.sweep() }}
	e.sched.Add(m.job, period)
	return m
}

// Stop cancels future maintenance sweeps.
func (m *Maintainer) Stop() {
	m.e.sched.Remove(m.job)
}

// sweep advertises self into the master table for every joined table and
// refreshes each joined table's neighbors. Each put's own abort deadline
// (one period out) bounds its RPC fan-out; find-nodes RPCs are bounded the
// same way by the RPC substrate's own per-call timeout, so neither needs
// explicit cancellation between rounds (dht.c's equivalent stop-before-
// restart bookkeeping is an optimization the original itself flags as
// unneeded at this frequency: "every 15s is definitively too excessive").
func (m *Maintainer) sweep() {
	ctx := context.Background()
	now := m.e.clk.Now()
	self := m.e.self.Bytes()

	for _, id := range m.e.registry.Joined() {
		advert := datastore.Entry{
			Key:        id,
			Type:       content.TypeData,
			Expiration: time.Now().Add(2 * m.period),
			Payload:    append([]byte(nil), self[:]...),
		}
		m.e.Put(ctx, table.Master, advert, m.alpha, now.Add(m.period), nil)

		joined, ok := m.e.registry.Lookup(id)
		if !ok {
			continue
		}
		m.e.findKNodes(ctx, id, m.e.self, m.alpha, func(peer identity.ID) {
			joined.Routing.Touch(peer, now)
		})
	}
}
