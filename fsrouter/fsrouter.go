// Package fsrouter implements the anonymous FS query/reply router of
// spec.md §4.6: reply-path routing over a fixed-size query table, TTL
// bookkeeping with the original's negative-TTL anti-replay idiosyncrasy
// preserved literally, policy-gated forwarding, and migration of replies
// into the local content store.
package fsrouter

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/netmesh/overlay/connmgr"
	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
)

// TTLStep is the randomized-decrement unit of spec.md §4.6 step 2 and the
// TTL bound of step 4; also the randomness-bound in Testable Property 3.
const TTLStep = 5 * time.Second

// ForwardFanout is how many peers a forwardable query is sent to, absent
// any sharper policy signal (spec.md §4.6 step 5: "typically some peers
// randomly weighted by trust and recent activity").
const ForwardFanout = 3

// LocalReplyFunc delivers a reply to the local client that originated a
// query, the "local client handle" case of a routing entry's waiter set.
type LocalReplyFunc func(queryHash content.Query, blockType content.Type, payload []byte)

// Config tunes a Router.
type Config struct {
	SlotCount     int
	SeenCacheSize int
	ForwardFanout int
}

func (c Config) withDefaults() Config {
	if c.SlotCount <= 0 {
		c.SlotCount = DefaultSlotCount
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = DefaultSeenCacheSize
	}
	if c.ForwardFanout <= 0 {
		c.ForwardFanout = ForwardFanout
	}
	return c
}

// Router is the anonymous FS router of spec.md §4.6, built over a
// Connection Manager for transport and a content Store for local answers
// and migration.
type Router struct {
	cfg   Config
	self  identity.ID
	mgr   *connmgr.Manager
	store *datastore.Store
	clk   scheduler.Clock
	log   *log.Logger
	reg   *metrics.Registry

	table *Table
	seen  *seenCache

	onLocalReply LocalReplyFunc
}

// New creates a Router. onLocalReply may be nil if this node never
// originates local queries.
func New(self identity.ID, mgr *connmgr.Manager, store *datastore.Store, clk scheduler.Clock, logger *log.Logger, reg *metrics.Registry, cfg Config, onLocalReply LocalReplyFunc) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:          cfg,
		self:         self,
		mgr:          mgr,
		store:        store,
		clk:          clk,
		log:          logger,
		reg:          reg,
		table:        NewTable(cfg.SlotCount),
		seen:         newSeenCache(cfg.SeenCacheSize),
		onLocalReply: onLocalReply,
	}
}

// decrementTTL applies spec.md §4.6 step 2's randomized decrement: always
// subtract 2·TTL_STEP plus a random extra TTL_STEP, exactly as
// handler.c's "ttl = ttl - 2*TTL_DECREMENT - randomi(TTL_DECREMENT)". This
// preserves the reference source's idiosyncratic handling of an
// originally-negative TTL literally (spec.md §9 Open Question): ordinarily
// subtracting a positive step from a negative TTL can only make it more
// negative, so the only way the result comes out positive is 32-bit
// signed wraparound on an already heavily-decremented (likely replayed)
// TTL — Go's defined wraparound semantics reproduce that quirk exactly.
func decrementTTL(ttl int32) (newTTL int32, dropAntiReplay bool) {
	step := 2*int32(TTLStep/time.Second) + rand.Int31n(int32(TTLStep/time.Second))
	wasNegative := ttl < 0
	newTTL = ttl - step
	if wasNegative && newTTL > 0 {
		return newTTL, true
	}
	return newTTL, false
}

// priorityFloor is the content-type-specific minimum priority execQuery
// applies before inserting a reply into the content store (SPEC_FULL.md
// §6.6's supplement from the original handler's static floor table):
// cheap-to-forge data blocks get the lowest floor so a CHK flood cannot
// evict higher-value namespace content.
func priorityFloor(t content.Type) uint32 {
	switch t {
	case content.TypeSigned:
		return 10
	case content.TypeKeyword:
		return 5
	case content.TypeInode:
		return 3
	default:
		return 1
	}
}

// HandleQuery implements spec.md §4.6's query pipeline. sender is the
// Waiter this query arrived from (remote peer or local client).
func (r *Router) HandleQuery(sender Waiter, q QueryMessage) error {
	if q.SubQueryCount == 0 {
		r.reg.Counter("fsrouter/dropped/malformed").Inc(1)
		return fmt.Errorf("fsrouter: malformed query: zero sub-query count")
	}

	if !sender.Local && r.seen.markAndCheck(sender.Peer, q.QueryHash) {
		r.reg.Counter("fsrouter/dropped/flood").Inc(1)
		return nil
	}

	newTTL, antiReplay := decrementTTL(q.TTL)
	if antiReplay {
		r.reg.Counter("fsrouter/dropped/antireplay").Inc(1)
		return nil
	}
	q.TTL = newTTL

	var trust int64
	if !sender.Local {
		trust = r.mgr.GetTrust(sender.Peer)
	}
	mask, allowed := evaluatePolicy(trust, q.Priority)
	if mask&PolicyDrop != 0 {
		return nil
	}
	if !sender.Local {
		const preferenceFloor = 1.0
		pref := float64(allowed)
		if pref < preferenceFloor {
			pref = preferenceFloor
		}
		r.mgr.PreferTrafficFrom(sender.Peer, pref)
	}

	q.Priority = allowed
	maxTTL := int32(q.Priority+3) * int32(TTLStep/time.Second)
	if q.TTL > 0 && q.TTL > maxTTL {
		q.TTL = maxTTL
	}
	perSubQuery := q.Priority / uint32(q.SubQueryCount)

	return r.execQuery(sender, q, perSubQuery, mask)
}

// execQuery is spec.md §4.6 step 5: probe locally and answer on the reply
// path, then forward if policy permits.
func (r *Router) execQuery(sender Waiter, q QueryMessage, perSubQueryPriority uint32, mask PolicyMask) error {
	now := r.clk.Now()
	deadline := now.Add(time.Duration(q.TTL) * time.Second)
	r.table.Record(q, sender, now, deadline)

	if mask&PolicyAnswer != 0 {
		_ = r.store.Get(q.QueryHash, q.BlockType, func(e datastore.Entry) bool {
			r.replyTo(sender, q.QueryHash, q.BlockType, e.Payload)
			return true
		})
	}

	if mask&PolicyForward == 0 {
		return nil
	}

	for _, peer := range r.selectForwardingSet(sender, q.QueryHash) {
		msg := q
		msg.Priority = perSubQueryPriority
		if err := r.mgr.Send(peer, connmgr.MsgQuery, msg.Encode(), perSubQueryPriority, time.Duration(q.TTL)*time.Second); err != nil {
			continue
		}
		r.table.MarkSent(q.QueryHash, peer)
	}
	return nil
}

// selectForwardingSet picks up to cfg.ForwardFanout connected peers,
// excluding the asker and anyone already sent this query, weighted toward
// higher trust and recent traffic preference, per spec.md §4.6 step 5.
func (r *Router) selectForwardingSet(sender Waiter, queryHash content.Query) []identity.ID {
	type candidate struct {
		peer   identity.ID
		weight float64
	}
	var pool []candidate
	r.mgr.ForAllConnected(func(peer identity.ID) {
		if !sender.Local && peer.Equal(sender.Peer) {
			return
		}
		if r.table.HasSent(queryHash, peer) {
			return
		}
		weight := 1.0 + float64(r.mgr.GetTrust(peer)) + r.mgr.Preference(peer)
		if weight <= 0 {
			weight = 0.01
		}
		pool = append(pool, candidate{peer: peer, weight: weight})
	})

	fanout := r.cfg.ForwardFanout
	if fanout > len(pool) {
		fanout = len(pool)
	}
	out := make([]identity.ID, 0, fanout)
	for len(out) < fanout && len(pool) > 0 {
		var total float64
		for _, c := range pool {
			total += c.weight
		}
		pick := rand.Float64() * total
		var running float64
		idx := len(pool) - 1
		for i, c := range pool {
			running += c.weight
			if pick <= running {
				idx = i
				break
			}
		}
		out = append(out, pool[idx].peer)
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

// replyTo sends one matching block back along a query's reply path. For a
// signed block, payload already holds its full self-contained wire
// encoding (see HandleSignedReply), forwarded as-is so the next hop can
// re-verify the signature; every other type is wrapped in a DataReply
// carrying the query hash it answers.
func (r *Router) replyTo(w Waiter, queryHash content.Query, blockType content.Type, payload []byte) {
	if w.Local {
		if r.onLocalReply != nil {
			r.onLocalReply(queryHash, blockType, payload)
		}
		return
	}
	if blockType == content.TypeSigned {
		_ = r.mgr.Send(w.Peer, connmgr.MsgSignedBlockReply, payload, priorityFloor(blockType), 0)
		return
	}
	reply := DataReply{QueryHash: queryHash, BlockType: blockType, Payload: payload}
	_ = r.mgr.Send(w.Peer, replyMessageType(blockType), reply.Encode(), priorityFloor(blockType), 0)
}

func replyMessageType(t content.Type) connmgr.MessageType {
	if t == content.TypeKeyword {
		return connmgr.Msg3HashReply
	}
	return connmgr.MsgCHKReply
}
