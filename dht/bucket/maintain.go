package bucket

import (
	"time"

	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// PingFunc attempts to reach a peer out-of-band (typically a DHT ping
// RPC); the maintenance sweep only decides when to call it, never
// evicting or retaining an entry based on its result — eviction is driven
// purely by elapsed time, per spec.md §4.7.
type PingFunc func(id identity.ID)

// Maintainer runs the periodic routing table upkeep of spec.md §4.7 on the
// shared cron scheduler: entries silent past the inactivity-death
// threshold are dropped, and entries silent past half that threshold (but
// not yet dead) are pinged, no more often than once per
// inactivity-death/6, mirroring dht.c:3564-3599.
type Maintainer struct {
	table *Table
	clk   scheduler.Clock
	sched *scheduler.Scheduler
	job   *scheduler.Job
	ping  PingFunc
}

// NewMaintainer starts periodic maintenance of table on sched, calling
// ping for every peer due a liveness check. period defaults to
// DefaultMaintainFrequency if zero.
func NewMaintainer(table *Table, clk scheduler.Clock, sched *scheduler.Scheduler, period time.Duration, ping PingFunc) *Maintainer {
	if period <= 0 {
		period = DefaultMaintainFrequency
	}
	m := &Maintainer{table: table, clk: clk, sched: sched, ping: ping}
	m.job = &scheduler.Job{Period: period, Callback: func(any) { m.sweep() }}
	sched.Add(m.job, period)
	return m
}

// Stop cancels future maintenance sweeps.
func (m *Maintainer) Stop() {
	m.sched.Remove(m.job)
}

// sweep implements dht.c:3564-3599's two-pass rule per peer: evict if
// silent past inactivityDeath, else ping if silent past
// inactivityDeath/2 and not pinged within the last inactivityDeath/6.
func (m *Maintainer) sweep() {
	now := m.clk.Now()
	for _, b := range m.table.buckets {
		for _, p := range b.snapshot() {
			age := now - p.LastTableRefresh
			if age > m.table.inactivityDeath {
				m.table.Remove(p.ID)
				continue
			}
			if age > m.table.inactivityDeathHalf && now-p.LastPingSent > m.table.pingFloor {
				m.table.markPingSent(p.ID, now)
				if m.ping != nil {
					m.ping(p.ID)
				}
			}
		}
	}
}
