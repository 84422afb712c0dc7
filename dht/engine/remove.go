package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
)

// RemoveCompletion is invoked exactly once when a Remove operation
// finishes.
type RemoveCompletion func(confirmedBy []identity.ID, timedOut bool)

// Remove implements spec.md §4.8's remove state machine. Unlike Put, per
// spec.md §9's Open Question resolution, confirming peers are NOT
// deduplicated: the accumulator is a plain slice, so a peer confirming
// twice counts twice toward maxResults and appears twice in the result.
func (e *Engine) Remove(ctx context.Context, tableID table.ID, key content.Query, value []byte, maxResults int, deadline scheduler.AbsTime, onDone RemoveCompletion) *Operation[identity.ID] {
	op := newOperation[identity.ID](e.sched, e.clk, deadline, func(results []identity.ID, timedOut bool) {
		if onDone != nil {
			onDone(results, timedOut)
		}
	})

	onConfirm := func(peer identity.ID) func() {
		return func() {
			count := op.accumulate(peer)
			op.completeIfReached(count, maxResults)
		}
	}

	joined, participates := e.registry.Lookup(tableID)
	if joined != nil && joined.Store != nil {
		if n, err := joined.Store.Del(key, content.TypeData, value); err == nil && n > 0 {
			onConfirm(e.self)()
		}
	}

	var peers []identity.ID
	if participates {
		peers = joined.Routing.Closest(identity.FromContentKey(key), DefaultAlpha)
	}

	if len(peers) == 0 {
		cancel := e.findKNodes(ctx, tableID, identity.FromContentKey(key), DefaultAlpha, func(peer identity.ID) {
			c := e.rpc.Remove(ctx, peer, tableID, key, value, onConfirm(peer))
			op.addCancel(c)
		})
		op.addCancel(cancel)
		return op
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			cancel := e.rpc.Remove(gctx, peer, tableID, key, value, onConfirm(peer))
			op.addCancel(cancel)
			return nil
		})
	}
	_ = g.Wait()
	return op
}
