package engine

import (
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
)

// Engine runs the three DHT operation state machines (spec.md §4.8) for
// one node: it owns no state of its own beyond what it needs to reach
// peers (RPCClient) and look up tables (table.Registry); every
// in-flight operation's state lives in its own Operation.
type Engine struct {
	self     identity.ID
	registry *table.Registry
	sched    *scheduler.Scheduler
	clk      scheduler.Clock
	rpc      RPCClient
	log      *log.Logger
	reg      *metrics.Registry
}

// New creates an Engine.
func New(self identity.ID, registry *table.Registry, sched *scheduler.Scheduler, clk scheduler.Clock, rpc RPCClient, logger *log.Logger, reg *metrics.Registry) *Engine {
	return &Engine{
		self:     self,
		registry: registry,
		sched:    sched,
		clk:      clk,
		rpc:      rpc,
		log:      logger,
		reg:      reg,
	}
}

// identityFromMasterEntry decodes a master-table record's payload back
// into the participant identity it advertises. Master-table entries are
// {table-id -> self-identity} records (spec.md §4.7 step 1): the payload
// is simply the advertising peer's raw identity digest, full-width or
// legacy-width.
func identityFromMasterEntry(payload []byte) (identity.ID, bool) {
	switch len(payload) {
	case identity.Size:
		var d [identity.Size]byte
		copy(d[:], payload)
		return identity.FromDigest(d), true
	case identity.LegacySize:
		var d [identity.LegacySize]byte
		copy(d[:], payload)
		return identity.FromLegacyDigest(d), true
	default:
		return identity.ID{}, false
	}
}
