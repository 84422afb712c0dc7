package node

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/rpc"
)

// dhtRPCAdapter satisfies dht/engine.RPCClient on top of the generic rpc
// substrate: each DHT engine operation becomes one named call
// ("dht.get"/"dht.put"/"dht.remove"/"dht.ping"), and dhtRPCAdapter also
// registers the callee side of those same names against the local table
// registry, so a node can both ask a peer and answer a peer asking it.
// This is the concrete binding dht/engine.RPCClient is deliberately
// dependency-inverted to accept without dht/engine ever importing rpc.
type dhtRPCAdapter struct {
	rc       *rpc.Client
	registry *table.Registry
	timeout  time.Duration
}

const (
	rpcDHTGet    = "dht.get"
	rpcDHTPut    = "dht.put"
	rpcDHTRemove = "dht.remove"
	rpcDHTPing   = "dht.ping"
)

var (
	getParamSpec    = []rpc.Spec{{Name: "table", Length: 32}, {Name: "key", Length: 32}, {Name: "max", Length: 4}}
	getResultSpec   = []rpc.Spec{{Name: "entries"}}
	putParamSpec    = []rpc.Spec{{Name: "table", Length: 32}, {Name: "entry"}}
	removeParamSpec = []rpc.Spec{{Name: "table", Length: 32}, {Name: "key", Length: 32}, {Name: "value"}}
	pingParamSpec   []rpc.Spec
	pingResultSpec  = []rpc.Spec{{Name: "tables"}}
)

// newDHTRPCAdapter registers the callee handlers on rc and returns an
// engine.RPCClient backed by rc's caller side.
func newDHTRPCAdapter(rc *rpc.Client, registry *table.Registry, timeout time.Duration) *dhtRPCAdapter {
	a := &dhtRPCAdapter{rc: rc, registry: registry, timeout: timeout}
	_ = rc.Register(rpcDHTGet, getParamSpec, a.serveGet)
	_ = rc.Register(rpcDHTPut, putParamSpec, a.servePut)
	_ = rc.Register(rpcDHTRemove, removeParamSpec, a.serveRemove)
	_ = rc.Register(rpcDHTPing, pingParamSpec, a.servePing)
	return a
}

func tableIDOf(b []byte) (id table.ID) {
	copy(id[:], b)
	return id
}

func (a *dhtRPCAdapter) serveGet(from identity.ID, params rpc.ParamList) (rpc.ParamList, error) {
	tb, _ := params.Get("table")
	key, _ := params.Get("key")
	maxb, _ := params.Get("max")
	max := int(binary.BigEndian.Uint32(maxb))

	tbl, ok := a.registry.Lookup(tableIDOf(tb))
	if !ok || tbl.Store == nil {
		return rpc.ParamList{{Name: "entries", Bytes: encodeEntries(nil)}}, nil
	}
	var q content.Query
	copy(q[:], key)

	var found []datastore.Entry
	_ = tbl.Store.Get(q, content.TypeData, func(e datastore.Entry) bool {
		found = append(found, e)
		return max <= 0 || len(found) < max
	})
	return rpc.ParamList{{Name: "entries", Bytes: encodeEntries(found)}}, nil
}

func (a *dhtRPCAdapter) servePut(from identity.ID, params rpc.ParamList) (rpc.ParamList, error) {
	tb, _ := params.Get("table")
	entryBytes, _ := params.Get("entry")
	entry, err := decodeEntry(entryBytes)
	if err != nil {
		return nil, err
	}
	tbl, ok := a.registry.Lookup(tableIDOf(tb))
	if !ok || tbl.Store == nil {
		return nil, fmt.Errorf("node: not joined to table")
	}
	if _, err := tbl.Store.Put(entry); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *dhtRPCAdapter) serveRemove(from identity.ID, params rpc.ParamList) (rpc.ParamList, error) {
	tb, _ := params.Get("table")
	key, _ := params.Get("key")
	value, _ := params.Get("value")
	var q content.Query
	copy(q[:], key)

	tbl, ok := a.registry.Lookup(tableIDOf(tb))
	if !ok || tbl.Store == nil {
		return nil, fmt.Errorf("node: not joined to table")
	}
	if _, err := tbl.Store.Del(q, content.TypeData, value); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *dhtRPCAdapter) servePing(from identity.ID, params rpc.ParamList) (rpc.ParamList, error) {
	joined := a.registry.Joined()
	buf := make([]byte, 0, len(joined)*32)
	for _, id := range joined {
		buf = append(buf, id[:]...)
	}
	return rpc.ParamList{{Name: "tables", Bytes: buf}}, nil
}

// Get implements dht/engine.RPCClient.
func (a *dhtRPCAdapter) Get(ctx context.Context, peer identity.ID, tableID table.ID, key content.Query, maxResults int, deliver func(datastore.Entry)) func() {
	var maxb [4]byte
	binary.BigEndian.PutUint32(maxb[:], uint32(maxResults))
	params := rpc.ParamList{
		{Name: "table", Bytes: tableID[:]},
		{Name: "key", Bytes: key[:]},
		{Name: "max", Bytes: maxb[:]},
	}
	h := a.rc.Start(peer, rpcDHTGet, params, getResultSpec, a.timeout, func(result rpc.ParamList, status rpc.Status) {
		if status != rpc.StatusOK {
			return
		}
		raw, _ := result.Get("entries")
		entries, err := decodeEntries(raw)
		if err != nil {
			return
		}
		for _, e := range entries {
			deliver(e)
		}
	})
	return func() { a.rc.Stop(h) }
}

// Put implements dht/engine.RPCClient.
func (a *dhtRPCAdapter) Put(ctx context.Context, peer identity.ID, tableID table.ID, e datastore.Entry, confirmed func()) func() {
	params := rpc.ParamList{
		{Name: "table", Bytes: tableID[:]},
		{Name: "entry", Bytes: encodeEntry(e)},
	}
	h := a.rc.Start(peer, rpcDHTPut, params, nil, a.timeout, func(result rpc.ParamList, status rpc.Status) {
		if status == rpc.StatusOK {
			confirmed()
		}
	})
	return func() { a.rc.Stop(h) }
}

// Remove implements dht/engine.RPCClient.
func (a *dhtRPCAdapter) Remove(ctx context.Context, peer identity.ID, tableID table.ID, key content.Query, value []byte, confirmed func()) func() {
	params := rpc.ParamList{
		{Name: "table", Bytes: tableID[:]},
		{Name: "key", Bytes: key[:]},
		{Name: "value", Bytes: value},
	}
	h := a.rc.Start(peer, rpcDHTRemove, params, nil, a.timeout, func(result rpc.ParamList, status rpc.Status) {
		if status == rpc.StatusOK {
			confirmed()
		}
	})
	return func() { a.rc.Stop(h) }
}

// Ping implements dht/engine.RPCClient.
func (a *dhtRPCAdapter) Ping(ctx context.Context, peer identity.ID, onTables func(tables []table.ID)) func() {
	h := a.rc.Start(peer, rpcDHTPing, nil, pingResultSpec, a.timeout, func(result rpc.ParamList, status rpc.Status) {
		if status != rpc.StatusOK {
			onTables(nil)
			return
		}
		raw, _ := result.Get("tables")
		var tables []table.ID
		for i := 0; i+32 <= len(raw); i += 32 {
			tables = append(tables, tableIDOf(raw[i:i+32]))
		}
		onTables(tables)
	})
	return func() { a.rc.Stop(h) }
}

// encodeEntry/decodeEntry frame a datastore.Entry with a fixed header
// followed by the payload: {type(1),
// priority(4), anonymity(4), expiration-unix-nanos(8), key(32),
// payload-length(4), payload}.
func encodeEntry(e datastore.Entry) []byte {
	buf := make([]byte, 1+4+4+8+32+4, 1+4+4+8+32+4+len(e.Payload))
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[1:5], e.Priority)
	binary.BigEndian.PutUint32(buf[5:9], e.Anonymity)
	binary.BigEndian.PutUint64(buf[9:17], uint64(e.Expiration.UnixNano()))
	copy(buf[17:49], e.Key[:])
	binary.BigEndian.PutUint32(buf[49:53], uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf
}

func decodeEntry(buf []byte) (datastore.Entry, error) {
	if len(buf) < 53 {
		return datastore.Entry{}, fmt.Errorf("node: truncated entry header")
	}
	var e datastore.Entry
	e.Type = content.Type(buf[0])
	e.Priority = binary.BigEndian.Uint32(buf[1:5])
	e.Anonymity = binary.BigEndian.Uint32(buf[5:9])
	e.Expiration = time.Unix(0, int64(binary.BigEndian.Uint64(buf[9:17])))
	copy(e.Key[:], buf[17:49])
	payloadLen := int(binary.BigEndian.Uint32(buf[49:53]))
	if len(buf[53:]) < payloadLen {
		return datastore.Entry{}, fmt.Errorf("node: truncated entry payload")
	}
	e.Payload = append([]byte(nil), buf[53:53+payloadLen]...)
	return e, nil
}

func encodeEntries(entries []datastore.Entry) []byte {
	var buf []byte
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(entries)))
	buf = append(buf, count[:]...)
	for _, e := range entries {
		enc := encodeEntry(e)
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(enc)))
		buf = append(buf, l[:]...)
		buf = append(buf, enc...)
	}
	return buf
}

func decodeEntries(buf []byte) ([]datastore.Entry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("node: truncated entries count")
	}
	count := int(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]
	out := make([]datastore.Entry, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("node: truncated entry length")
		}
		l := int(binary.BigEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < l {
			return nil, fmt.Errorf("node: truncated entry bytes")
		}
		e, err := decodeEntry(buf[:l])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		buf = buf[l:]
	}
	return out, nil
}
