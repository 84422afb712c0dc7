package connmgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netmesh/overlay/crypto"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/scheduler"
	"github.com/netmesh/overlay/transport"
)

// SessionHandle is an index+generation reference to a session, per the
// Design Note in spec.md §9 ("model this with a weak reference or a
// handle... from session to manager; avoid reference cycles"). It is
// copyable and safe to hold without keeping the session itself alive.
type SessionHandle struct {
	index      int
	generation uint64
}

// Valid reports whether the handle was ever issued (the zero value is
// never valid).
func (h SessionHandle) Valid() bool { return h.generation != 0 }

// session is the manager's internal record, per spec.md §3: {peer-identity,
// transport-reference, is-encrypted, reference-count, last-use-time,
// send-buffer, receive-buffer, awaiting-welcome?}. The Connection Manager
// owns the session; the session owns its buffers exclusively.
type session struct {
	mu sync.Mutex

	handle     SessionHandle
	peer       identity.ID
	plugin     transport.Plugin
	transport  transport.Handle
	encrypted  bool
	sessionKey *crypto.SessionKey

	refCount        int32
	lastUse         scheduler.AbsTime
	awaitingWelcome bool

	sendBuffer    []queuedMessage
	receiveBuffer []byte

	closed bool
}

type queuedMessage struct {
	build    func() ([]byte, error)
	bytes    []byte
	priority uint32
	deadline time.Time
}

func (s *session) touch(now scheduler.AbsTime) {
	s.lastUse = now
}

func (s *session) ref() {
	atomic.AddInt32(&s.refCount, 1)
}

func (s *session) unref() {
	atomic.AddInt32(&s.refCount, -1)
}

func (s *session) refs() int32 {
	return atomic.LoadInt32(&s.refCount)
}

// idleFor reports how long the session has been unused.
func (s *session) idleFor(now scheduler.AbsTime) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUse)
}
