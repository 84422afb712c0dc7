// Package node wires every subsystem package into one running overlay
// peer: identity, transport dispatch, fragmentation, the content store,
// the anonymous FS router, the DHT table registry and operation engine,
// and the RPC substrate that carries DHT traffic between peers. This is
// the "start a node" half of cmd/overlayd; it owns no CLI or terminal
// presentation of its own.
package node

import (
	"context"
	"fmt"
	"os"

	"github.com/netmesh/overlay/config"
	"github.com/netmesh/overlay/connmgr"
	"github.com/netmesh/overlay/crypto"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/dht/engine"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/fragment"
	"github.com/netmesh/overlay/fsrouter"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/rpc"
	"github.com/netmesh/overlay/scheduler"
)

// Node is one running overlay peer: every subsystem sharing one identity,
// one Scheduler/Clock, and one Connection Manager. Locks stay inside the
// subsystems it owns: the Connection Manager takes its lock before any
// per-session lock; the DHT engine has no engine-wide lock, each operation
// guarding its own results; the fragmentation table locks one bucket at a
// time and the Content Store its own lock alone. Node itself holds no lock
// of its own, per spec.md §9's "no global state" note.
type Node struct {
	cfg config.Config

	self identity.ID
	priv crypto.PrivateKey
	pub  crypto.PublicKey

	log *log.Logger
	reg *metrics.Registry
	clk scheduler.Clock
	sch *scheduler.Scheduler

	mgr *connmgr.Manager

	store     *datastore.Store
	fragTable *fragment.Table
	router    *fsrouter.Router

	registry   *table.Registry
	rpc        *rpc.Client
	dhtAdapter *dhtRPCAdapter
	engine     *engine.Engine

	dhtMaintainer     *engine.Maintainer
	bucketMaintainers []*bucket.Maintainer
}

// Self returns this node's identity.
func (n *Node) Self() identity.ID { return n.self }

// Manager exposes the Connection Manager for callers that need to
// Connect/Accept sessions directly (cmd/overlayd's transport wiring).
func (n *Node) Manager() *connmgr.Manager { return n.mgr }

// Store exposes the local content store, e.g. for direct local
// publish/iterate commands.
func (n *Node) Store() *datastore.Store { return n.store }

// Router exposes the anonymous FS router for local query origination.
func (n *Node) Router() *fsrouter.Router { return n.router }

// Registry exposes the DHT table registry, for join/leave client calls.
func (n *Node) Registry() *table.Registry { return n.registry }

// Engine exposes the DHT operation engine, for get/put/remove client
// calls.
func (n *Node) Engine() *engine.Engine { return n.engine }

// Metrics exposes this node's metrics registry, e.g. for a debug stats
// dump.
func (n *Node) Metrics() *metrics.Registry { return n.reg }

// New constructs a Node from cfg. The shared Scheduler's cron jobs
// (fragment GC, DHT table maintenance) begin running immediately;
// opening sessions over a transport is the caller's responsibility.
func New(cfg config.Config) (*Node, error) {
	priv, pub, self, err := loadOrGenerateIdentity(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("node: logger: %w", err)
	}
	reg := metrics.NewRegistry()
	clk := scheduler.System{}
	sch := scheduler.New(clk, logger)

	mgr := connmgr.New(cfg.Connmgr, clk, logger, reg)

	backend, err := buildBackend(cfg.Datastore)
	if err != nil {
		return nil, fmt.Errorf("node: datastore: %w", err)
	}
	store, err := datastore.NewStore(backend, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("node: content store: %w", err)
	}

	n := &Node{
		cfg:   cfg,
		self:  self,
		priv:  priv,
		pub:   pub,
		log:   logger,
		reg:   reg,
		clk:   clk,
		sch:   sch,
		mgr:   mgr,
		store: store,
	}

	n.fragTable = fragment.NewTable(cfg.Fragment, sch, clk, logger, reg, n.deliverReassembled)
	if err := mgr.RegisterHandler(connmgr.MsgFragment, n.handleFragment); err != nil {
		return nil, fmt.Errorf("node: register fragment handler: %w", err)
	}

	n.router = fsrouter.New(self, mgr, store, clk, logger, reg, cfg.FSRouter, nil)
	if err := n.registerRouterHandlers(); err != nil {
		return nil, err
	}

	n.registry = table.NewRegistry(self, store, cfg.BucketConfig())
	n.rpc = rpc.New(mgr, sch, clk, logger, reg)
	n.dhtAdapter = newDHTRPCAdapter(n.rpc, n.registry, cfg.DHT.DefaultGetTimeout)
	n.engine = engine.New(self, n.registry, sch, clk, n.dhtAdapter, logger, reg)

	n.dhtMaintainer = engine.NewMaintainer(n.engine, cfg.DHT.MaintainFrequency, cfg.DHT.Alpha)
	for _, t := range n.registry.All() {
		n.bucketMaintainers = append(n.bucketMaintainers, bucket.NewMaintainer(t.Routing, clk, sch, cfg.DHT.MaintainFrequency, n.pingPeer))
	}

	return n, nil
}

// pingPeer drives dht/bucket.Maintainer's liveness checks over the DHT
// RPC substrate, discarding the tables a peer reports: the sweep only
// cares that a ping was attempted, per spec.md §4.7 step 3. The call's own
// RPC timeout (cfg.DHT.DefaultGetTimeout) bounds it; there is no earlier
// point at which canceling it would be correct.
func (n *Node) pingPeer(id identity.ID) {
	n.dhtAdapter.Ping(context.Background(), id, func([]table.ID) {})
}

// Stop halts the shared scheduler and releases the content store's
// backend. The scheduler's cron jobs (fragment GC, DHT table
// maintenance) are already running by the time New returns; Connect/
// Accept sessions are the caller's responsibility (cmd/overlayd owns the
// transport plugin).
func (n *Node) Stop() error {
	n.dhtMaintainer.Stop()
	for _, m := range n.bucketMaintainers {
		m.Stop()
	}
	n.sch.Stop()
	return n.store.Close()
}

func (n *Node) deliverReassembled(sender identity.ID, message []byte) {
	n.mgr.Deliver(sender, message)
}

func (n *Node) handleFragment(from identity.ID, msg connmgr.Message) {
	n.fragTable.Insert(from, msg.Payload, n.clk.Now())
}

// registerRouterHandlers wires the four FS-router message types onto the
// shared Connection Manager; fsrouter.Router itself never touches
// connmgr directly, so translating connmgr.Message <-> the router's wire
// types is Node's job.
func (n *Node) registerRouterHandlers() error {
	if err := n.mgr.RegisterHandler(connmgr.MsgQuery, func(from identity.ID, msg connmgr.Message) {
		q, err := fsrouter.DecodeQuery(msg.Payload)
		if err != nil {
			n.reg.Counter("node/dropped/malformed_query").Inc(1)
			return
		}
		_ = n.router.HandleQuery(fsrouter.Waiter{Peer: from}, q)
	}); err != nil {
		return fmt.Errorf("node: register query handler: %w", err)
	}

	dataReplyHandler := func(from identity.ID, msg connmgr.Message) {
		reply, err := fsrouter.DecodeDataReply(msg.Payload)
		if err != nil {
			n.reg.Counter("node/dropped/malformed_reply").Inc(1)
			return
		}
		_ = n.router.HandleDataReply(fsrouter.Waiter{Peer: from}, reply)
	}
	if err := n.mgr.RegisterHandler(connmgr.MsgCHKReply, dataReplyHandler); err != nil {
		return fmt.Errorf("node: register CHK reply handler: %w", err)
	}
	if err := n.mgr.RegisterHandler(connmgr.Msg3HashReply, dataReplyHandler); err != nil {
		return fmt.Errorf("node: register 3HASH reply handler: %w", err)
	}

	if err := n.mgr.RegisterHandler(connmgr.MsgSignedBlockReply, func(from identity.ID, msg connmgr.Message) {
		reply, err := fsrouter.DecodeSignedReply(msg.Payload)
		if err != nil {
			n.reg.Counter("node/dropped/malformed_reply").Inc(1)
			return
		}
		_ = n.router.HandleSignedReply(fsrouter.Waiter{Peer: from}, reply)
	}); err != nil {
		return fmt.Errorf("node: register signed reply handler: %w", err)
	}

	return nil
}

func buildLogger(cfg config.LogConfig) (*log.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.File != "" {
		return log.NewRotating(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays), nil
	}
	return log.New(os.Stderr, level), nil
}

func parseLevel(s string) (log.Level, error) {
	switch s {
	case "", "info":
		return log.LevelInfo, nil
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	default:
		return 0, fmt.Errorf("node: unknown log level %q", s)
	}
}

func buildBackend(cfg config.DatastoreConfig) (datastore.RawBackend, error) {
	switch cfg.Backend {
	case "", "memory":
		return datastore.NewMemoryBackend(), nil
	case "leveldb":
		if cfg.Path == "" {
			return nil, fmt.Errorf("node: leveldb backend requires Datastore.Path")
		}
		return datastore.OpenLevelDBBackend(cfg.Path)
	default:
		return nil, fmt.Errorf("node: unknown datastore backend %q", cfg.Backend)
	}
}

// loadOrGenerateIdentity reads cfg.SeedFile if present, otherwise
// generates a fresh key-pair and writes it there (spec.md §4.1's "load or
// generate a key-pair at startup"). An empty SeedFile means an ephemeral
// in-memory identity, useful for tests.
func loadOrGenerateIdentity(cfg config.IdentityConfig) (crypto.PrivateKey, crypto.PublicKey, identity.ID, error) {
	if cfg.SeedFile == "" {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			return crypto.PrivateKey{}, crypto.PublicKey{}, identity.ID{}, err
		}
		return priv, pub, pub.Identity(), nil
	}

	seed, err := os.ReadFile(cfg.SeedFile)
	if err == nil {
		priv, parseErr := crypto.ParsePrivateKey(seed)
		if parseErr != nil {
			return crypto.PrivateKey{}, crypto.PublicKey{}, identity.ID{}, fmt.Errorf("node: parse seed file: %w", parseErr)
		}
		pub := priv.PublicKey()
		return priv, pub, pub.Identity(), nil
	}
	if !os.IsNotExist(err) {
		return crypto.PrivateKey{}, crypto.PublicKey{}, identity.ID{}, fmt.Errorf("node: read seed file: %w", err)
	}

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.PrivateKey{}, crypto.PublicKey{}, identity.ID{}, err
	}
	if err := os.WriteFile(cfg.SeedFile, priv.Bytes(), 0o600); err != nil {
		return crypto.PrivateKey{}, crypto.PublicKey{}, identity.ID{}, fmt.Errorf("node: write seed file: %w", err)
	}
	return priv, pub, pub.Identity(), nil
}
