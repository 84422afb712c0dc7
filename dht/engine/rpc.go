package engine

import (
	"context"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
)

// RPCClient is what the DHT engine needs from the RPC substrate
// (spec.md §4.9) to reach other peers: get/put/remove against a named
// table, and ping to learn which tables a peer currently serves. Each
// method starts an async call and returns a cancel func; deliver/
// confirmed/onTables may be called any number of times (get) or exactly
// once (put, remove, ping) before the call's own completion, per
// spec.md §4.9's "invoked... exactly once, with the result-params on OK
// and empty params on TIMEOUT."
type RPCClient interface {
	Get(ctx context.Context, peer identity.ID, tableID table.ID, key content.Query, maxResults int, deliver func(datastore.Entry)) (cancel func())
	Put(ctx context.Context, peer identity.ID, tableID table.ID, e datastore.Entry, confirmed func()) (cancel func())
	Remove(ctx context.Context, peer identity.ID, tableID table.ID, key content.Query, value []byte, confirmed func()) (cancel func())
	Ping(ctx context.Context, peer identity.ID, onTables func(tables []table.ID)) (cancel func())
}
