package engine

import (
	"context"
	"sync"

	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
)

// DefaultAlpha bounds both the local-bucket fan-out and the remote
// find-k-nodes fan-out, grounded on the original's ALPHA
// (dht.c:80, "#define ALPHA (DHT_FLAGS_TABLE_REPLICATION_MASK)" = 7,
// gnunet_dht_service.h).
const DefaultAlpha = 7

// findKNodes implements spec.md §4.7's find-k-nodes pattern: consult
// tableID's own routing buckets first if this node participates in it;
// if fewer than k peers are known and tableID is not the master table,
// fall back to querying the master table (keyed by tableID itself) for
// peers that have advertised participation. Each peer returned is sent a
// ping that is stopped at once: its reply is not awaited and its table
// list is not used, and the peer is added to the search's k-best set
// either way. discover, if
// non-nil, is invoked once per newly found peer as it is found.
func (e *Engine) findKNodes(ctx context.Context, tableID table.ID, target identity.ID, k int, discover func(identity.ID)) (cancel func()) {
	kb := bucket.NewKBest(target, k)
	var mu sync.Mutex
	considered := make(map[identity.ID]bool)

	addDiscover := func(id identity.ID) {
		mu.Lock()
		if considered[id] {
			mu.Unlock()
			return
		}
		considered[id] = true
		kb.Insert(id)
		mu.Unlock()
		if discover != nil {
			discover(id)
		}
	}

	if joined, ok := e.registry.Lookup(tableID); ok {
		for _, id := range joined.Routing.Closest(target, k) {
			addDiscover(id)
		}
	}

	mu.Lock()
	haveEnough := len(kb.IDs()) >= k
	mu.Unlock()
	if haveEnough || table.IsMaster(tableID) {
		return func() {}
	}

	master := e.registry.Master()
	masterPeers := master.Routing.Closest(target, DefaultAlpha)

	var cmu sync.Mutex
	var cancels []func()
	for _, mp := range masterPeers {
		c := e.rpc.Get(ctx, mp, master.ID, tableID, DefaultAlpha, func(entry datastore.Entry) {
			id, ok := identityFromMasterEntry(entry.Payload)
			if !ok {
				return
			}
			if pc := e.rpc.Ping(ctx, id, func([]table.ID) {}); pc != nil {
				pc()
			}
			addDiscover(id)
		})
		cmu.Lock()
		cancels = append(cancels, c)
		cmu.Unlock()
	}
	return func() {
		cmu.Lock()
		defer cmu.Unlock()
		for _, c := range cancels {
			if c != nil {
				c()
			}
		}
	}
}
