package engine

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// PutCompletion is invoked exactly once when a Put operation finishes.
type PutCompletion func(confirmedBy []identity.ID, timedOut bool)

// Put implements spec.md §4.8's put state machine, following the same
// gather/fan-out/accumulate shape as Get. Per spec.md §9's Open Question
// resolution, confirming peers are deduplicated by identity — a peer
// that confirms the same put twice (e.g. a retried RPC) counts once
// toward maxResults and appears once in the final result set.
func (e *Engine) Put(ctx context.Context, tableID table.ID, entry datastore.Entry, maxResults int, deadline scheduler.AbsTime, onDone PutCompletion) *Operation[identity.ID] {
	op := newOperation[identity.ID](e.sched, e.clk, deadline, func(results []identity.ID, timedOut bool) {
		if onDone != nil {
			onDone(results, timedOut)
		}
	})

	confirmed := mapset.NewSet[identity.ID]()
	var mu sync.Mutex
	onConfirm := func(peer identity.ID) func() {
		return func() {
			mu.Lock()
			added := confirmed.Add(peer)
			mu.Unlock()
			if !added {
				return
			}
			count := op.accumulate(peer)
			op.completeIfReached(count, maxResults)
		}
	}

	joined, participates := e.registry.Lookup(tableID)
	if joined != nil && joined.Store != nil {
		if inserted, err := joined.Store.Put(entry); err == nil && inserted {
			onConfirm(e.self)()
		}
	}

	var peers []identity.ID
	if participates {
		peers = joined.Routing.Closest(identity.FromContentKey(entry.Key), DefaultAlpha)
	}

	if len(peers) == 0 {
		cancel := e.findKNodes(ctx, tableID, identity.FromContentKey(entry.Key), DefaultAlpha, func(peer identity.ID) {
			c := e.rpc.Put(ctx, peer, tableID, entry, onConfirm(peer))
			op.addCancel(c)
		})
		op.addCancel(cancel)
		return op
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			cancel := e.rpc.Put(gctx, peer, tableID, entry, onConfirm(peer))
			op.addCancel(cancel)
			return nil
		})
	}
	_ = g.Wait()
	return op
}
