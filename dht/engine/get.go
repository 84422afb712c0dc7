package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// GetResult is one value found for a Get operation, tagged with the peer
// it came from (the local identity for a local datastore hit).
type GetResult struct {
	Peer  identity.ID
	Entry datastore.Entry
}

// GetCompletion is invoked exactly once when a Get operation finishes,
// either because maxResults was reached or the deadline fired.
type GetCompletion func(results []GetResult, timedOut bool)

// Get implements spec.md §4.8's get state machine. If this node
// participates in tableID, it gathers the table's own k-best local
// peers, attempts a local datastore lookup, and in parallel sends
// get-RPCs to those peers; otherwise it kicks off find-k-nodes and fires
// a get-RPC at each peer as it is discovered. maxResults <= 0 means
// unbounded (the operation only ever completes via deadline).
func (e *Engine) Get(ctx context.Context, tableID table.ID, key content.Query, maxResults int, deadline scheduler.AbsTime, onDone GetCompletion) *Operation[GetResult] {
	op := newOperation[GetResult](e.sched, e.clk, deadline, func(results []GetResult, timedOut bool) {
		if onDone != nil {
			onDone(results, timedOut)
		}
	})

	deliverLocal := func(entry datastore.Entry) {
		count := op.accumulate(GetResult{Peer: e.self, Entry: entry})
		op.completeIfReached(count, maxResults)
	}
	deliverRemote := func(peer identity.ID) func(datastore.Entry) {
		return func(entry datastore.Entry) {
			count := op.accumulate(GetResult{Peer: peer, Entry: entry})
			op.completeIfReached(count, maxResults)
		}
	}

	joined, participates := e.registry.Lookup(tableID)
	if participates {
		if joined.Store != nil {
			_ = joined.Store.Get(key, content.TypeData, func(entry datastore.Entry) bool {
				deliverLocal(entry)
				return true
			})
		}

		peers := joined.Routing.Closest(identity.FromContentKey(key), DefaultAlpha)
		g, gctx := errgroup.WithContext(ctx)
		for _, peer := range peers {
			peer := peer
			g.Go(func() error {
				cancel := e.rpc.Get(gctx, peer, tableID, key, maxResults, deliverRemote(peer))
				op.addCancel(cancel)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		cancel := e.findKNodes(ctx, tableID, identity.FromContentKey(key), DefaultAlpha, func(peer identity.ID) {
			c := e.rpc.Get(ctx, peer, tableID, key, maxResults, deliverRemote(peer))
			op.addCancel(c)
		})
		op.addCancel(cancel)
	}

	return op
}
