// Package connmgr implements the Connection Manager of spec.md §4.3: a
// bounded set of sessions, per-peer send buffers, bandwidth-preference
// scoring, trust accounting, and inbound frame demultiplexing.
package connmgr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/netmesh/overlay/crypto"
	"github.com/netmesh/overlay/fragment"
	"github.com/netmesh/overlay/hello"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
	"github.com/netmesh/overlay/transport"
)

// MessageType tags a sub-message inside a frame, per spec.md §6.
type MessageType uint8

const (
	MsgHello MessageType = iota
	MsgQuery
	MsgCHKReply
	Msg3HashReply
	MsgSignedBlockReply
	MsgNamespaceQuery
	MsgNamespaceReply
	MsgFragment
	MsgNoise
	MsgPing
	MsgPong
	MsgRPCRequest
	MsgRPCResponse
)

// Message is one sub-message framed as {size, type} per spec.md §6.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Handler processes one inbound sub-message from a peer. Handlers are
// invoked on the Connection Manager's dispatch path and must not block.
type Handler func(from identity.ID, msg Message)

var (
	ErrUnknownPeer  = errors.New("connmgr: no session for peer")
	ErrTooManySess  = errors.New("connmgr: session table full")
	ErrSessionDead  = errors.New("connmgr: session closed")
	ErrHandlerExist = errors.New("connmgr: handler already registered")
)

// Config bounds and tunes the manager, ambient per SPEC_FULL.md's
// configuration section.
type Config struct {
	MaxSessions  int
	IdleTimeout  time.Duration
	SweepPeriod  time.Duration
	BandwidthBps float64
	BandwidthBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxSessions == 0 {
		c.MaxSessions = 128
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepPeriod == 0 {
		c.SweepPeriod = 30 * time.Second
	}
	if c.BandwidthBps == 0 {
		c.BandwidthBps = 1 << 20
	}
	if c.BandwidthBurst == 0 {
		c.BandwidthBurst = 1 << 16
	}
	return c
}

// Manager is the Connection Manager. It owns every session; callers only
// ever hold a SessionHandle (spec.md §9 design note).
type Manager struct {
	cfg Config
	log *log.Logger
	reg *metrics.Registry
	sch *scheduler.Scheduler
	bw  *BandwidthMeter
	clk scheduler.Clock

	mu          sync.Mutex
	byPeer      map[identity.ID]*session
	sessions    []*session // index stable for SessionHandle
	generation  uint64
	preference  map[identity.ID]float64
	preferLast  map[identity.ID]time.Time
	trust       map[identity.ID]int64
	p2pHandlers map[MessageType]Handler

	sweepJob *scheduler.Job
}

// New creates a Connection Manager. clk drives its idle-sweep cron job.
func New(cfg Config, clk scheduler.Clock, logger *log.Logger, reg *metrics.Registry) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		log:         logger,
		reg:         reg,
		sch:         scheduler.New(clk, logger),
		bw:          NewBandwidthMeter(cfg.BandwidthBps, cfg.BandwidthBurst),
		clk:         clk,
		byPeer:      make(map[identity.ID]*session),
		preference:  make(map[identity.ID]float64),
		preferLast:  make(map[identity.ID]time.Time),
		trust:       make(map[identity.ID]int64),
		p2pHandlers: make(map[MessageType]Handler),
	}
	m.sweepJob = &scheduler.Job{Period: cfg.SweepPeriod, Callback: func(any) { m.sweepIdle() }}
	m.sch.Add(m.sweepJob, cfg.SweepPeriod)
	return m
}

// Close stops the manager's background cron work.
func (m *Manager) Close() {
	m.sch.Stop()
}

// RegisterHandler installs the handler for an encrypted peer-to-peer
// message type, per spec.md §4.3.
func (m *Manager) RegisterHandler(t MessageType, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.p2pHandlers[t]; exists {
		return fmt.Errorf("%w: type %d", ErrHandlerExist, t)
	}
	m.p2pHandlers[t] = h
	return nil
}

// UnregisterHandler removes a previously registered handler.
func (m *Manager) UnregisterHandler(t MessageType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.p2pHandlers, t)
}

// openSession records a newly accepted or connected session and returns
// its handle. Callers (Accept/Connect) hold no lock when calling this.
func (m *Manager) openSession(peer identity.ID, plug transport.Plugin, th transport.Handle, encrypted bool, sk *crypto.SessionKey) (SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPeer[peer]; ok && !existing.closed {
		existing.touch(m.clk.Now())
		return existing.handle, nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return SessionHandle{}, ErrTooManySess
	}
	m.generation++
	s := &session{
		peer:       peer,
		plugin:     plug,
		transport:  th,
		encrypted:  encrypted,
		sessionKey: sk,
		lastUse:    m.clk.Now(),
	}
	s.handle = SessionHandle{index: len(m.sessions), generation: m.generation}
	m.sessions = append(m.sessions, s)
	m.byPeer[peer] = s
	if m.reg != nil {
		m.reg.Gauge("connmgr/sessions").Update(int64(len(m.byPeer)))
	}
	return s.handle, nil
}

// Connect dials h's subject over plug using h's advertised address, per the
// consumed transport.Plugin.Connect contract, then derives the session key
// from sharedDigest (already established by the caller's key-exchange, out
// of this package's scope) and records the session.
func (m *Manager) Connect(ctx context.Context, plug transport.Plugin, h hello.Hello, sharedDigest []byte) (SessionHandle, error) {
	th, err := plug.Connect(ctx, h)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("connmgr: connect: %w", err)
	}
	sk, err := crypto.DeriveSessionKey(sharedDigest)
	if err != nil {
		return SessionHandle{}, fmt.Errorf("connmgr: session key: %w", err)
	}
	return m.openSession(h.Subject, plug, th, true, &sk)
}

// Accept records an inbound, not-yet-encrypted session for peer, awaiting
// the key-exchange handshake that upgrades it, per spec.md §3's
// "awaiting-welcome?" field.
func (m *Manager) Accept(peer identity.ID, plug transport.Plugin, th transport.Handle) (SessionHandle, error) {
	handle, err := m.openSession(peer, plug, th, false, nil)
	if err != nil {
		return SessionHandle{}, err
	}
	if s := m.lookup(handle); s != nil {
		s.mu.Lock()
		s.awaitingWelcome = true
		s.mu.Unlock()
	}
	return handle, nil
}

// Upgrade marks a session encrypted once its key exchange completes.
func (m *Manager) Upgrade(h SessionHandle, sharedDigest []byte) error {
	s := m.lookup(h)
	if s == nil {
		return ErrSessionDead
	}
	sk, err := crypto.DeriveSessionKey(sharedDigest)
	if err != nil {
		return fmt.Errorf("connmgr: session key: %w", err)
	}
	s.mu.Lock()
	s.sessionKey = &sk
	s.encrypted = true
	s.awaitingWelcome = false
	s.mu.Unlock()
	return nil
}

// Associate pins the session alive for as long as the caller holds the
// returned release function, per spec.md §4.3's association contract: the
// lifetime invariant is reference-count zero AND idle-timeout OR transport
// error.
func (m *Manager) Associate(h SessionHandle) (release func()) {
	s := m.lookup(h)
	if s == nil {
		return func() {}
	}
	s.ref()
	var once sync.Once
	return func() {
		once.Do(s.unref)
	}
}

func (m *Manager) lookup(h SessionHandle) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.index < 0 || h.index >= len(m.sessions) {
		return nil
	}
	s := m.sessions[h.index]
	if s == nil || s.handle.generation != h.generation || s.closed {
		return nil
	}
	return s
}

func (m *Manager) lookupByPeer(peer identity.ID) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byPeer[peer]
	if !ok || s.closed {
		return nil
	}
	return s
}

// Send appends message to receiver's send buffer at priority and flushes
// that buffer to the transport before returning, so the transport send
// runs on the caller's goroutine; maxDelay is recorded with the message
// but does not hold it back. Admission uses the cubic bandwidth rule (spec.md §4.3);
// messages that fail admission are silently dropped, matching spec.md
// §7's resource-exhaustion handling.
func (m *Manager) Send(receiver identity.ID, msgType MessageType, payload []byte, priority uint32, maxDelay time.Duration) error {
	s := m.lookupByPeer(receiver)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, receiver)
	}
	if !Admit(m.bw.LoadPercent(), priority) {
		if m.reg != nil {
			m.reg.Counter("connmgr/send/dropped_bandwidth").Inc(1)
		}
		return nil
	}
	frame := encodeSubMessage(msgType, payload)
	return m.deliverOut(s, frame, priority, len(frame), time.Now().Add(maxDelay))
}

// SendWithCallback defers message construction until the frame is
// actually sent, per spec.md §4.3, so the caller can include only-then-
// known state (e.g. a routing-table snapshot taken at send time).
func (m *Manager) SendWithCallback(receiver identity.ID, build func() (Message, error), size int, priority uint32, deadline time.Time) error {
	s := m.lookupByPeer(receiver)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, receiver)
	}
	if !Admit(m.bw.LoadPercent(), priority) {
		if m.reg != nil {
			m.reg.Counter("connmgr/send/dropped_bandwidth").Inc(1)
		}
		return nil
	}
	buildBytes := func() ([]byte, error) {
		msg, err := build()
		if err != nil {
			return nil, err
		}
		return encodeSubMessage(msg.Type, msg.Payload), nil
	}
	return m.deliverOutLazy(s, buildBytes, priority, size, deadline)
}

func (m *Manager) deliverOut(s *session, frame []byte, priority uint32, size int, deadline time.Time) error {
	s.mu.Lock()
	s.sendBuffer = append(s.sendBuffer, queuedMessage{bytes: frame, priority: priority, deadline: deadline})
	s.touch(m.clk.Now())
	s.mu.Unlock()
	return m.flush(s)
}

func (m *Manager) deliverOutLazy(s *session, build func() ([]byte, error), priority uint32, size int, deadline time.Time) error {
	s.mu.Lock()
	s.sendBuffer = append(s.sendBuffer, queuedMessage{build: build, priority: priority, deadline: deadline})
	s.touch(m.clk.Now())
	s.mu.Unlock()
	return m.flush(s)
}

// flush coalesces the session's pending sub-messages up to the transport
// MTU and hands the resulting frame(s) to the transport, per spec.md
// §4.3's coalescing contract.
func (m *Manager) flush(s *session) error {
	s.mu.Lock()
	pending := s.sendBuffer
	s.sendBuffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	mtu := int(s.plugin.MTU())
	var batch bytes.Buffer
	var errs []error
	flushBatch := func() {
		if batch.Len() == 0 {
			return
		}
		if err := m.transmit(s, batch.Bytes()); err != nil {
			errs = append(errs, err)
		}
		batch.Reset()
	}

	for _, qm := range pending {
		frame := qm.bytes
		if qm.build != nil {
			b, err := qm.build()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			frame = b
		}
		if batch.Len()+len(frame) > mtu {
			flushBatch()
		}
		if len(frame) > mtu {
			// Oversize single sub-message: run it through the
			// fragmentation engine rather than forwarding it whole, per
			// spec.md §4.4. subMessageHeaderSize bytes are reserved per
			// piece so each one still fits mtu once re-wrapped below.
			pieces, err := fragment.Split(frame, mtu-subMessageHeaderSize, qm.priority)
			if err != nil {
				errs = append(errs, fmt.Errorf("connmgr: fragment: %w", err))
				continue
			}
			for _, p := range pieces {
				if err := m.transmit(s, encodeSubMessage(MsgFragment, p.Frame)); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		batch.Write(frame)
	}
	flushBatch()

	if len(errs) > 0 {
		return fmt.Errorf("connmgr: flush: %v", errs)
	}
	return nil
}

func (m *Manager) transmit(s *session, frame []byte) error {
	out := frame
	if s.encrypted && s.sessionKey != nil {
		ct, err := s.sessionKey.Encrypt(frame)
		if err != nil {
			return fmt.Errorf("connmgr: encrypt: %w", err)
		}
		out = ct
	}
	if err := s.plugin.Send(s.transport, out, s.encrypted); err != nil {
		m.markDead(s)
		return fmt.Errorf("connmgr: transport send: %w", err)
	}
	m.bw.RecordSend(len(out))
	if m.reg != nil {
		m.reg.Meter("connmgr/send/bytes").Mark(int64(len(out)))
	}
	return nil
}

// subMessageHeaderSize is {size(2), type(1)}, the framing encodeSubMessage
// prepends to every sub-message.
const subMessageHeaderSize = 3

func encodeSubMessage(t MessageType, payload []byte) []byte {
	buf := make([]byte, subMessageHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	buf[2] = byte(t)
	copy(buf[subMessageHeaderSize:], payload)
	return buf
}

// DecodeSubMessages splits a decrypted frame into its {size,type} sub-
// messages, per spec.md §6.
func DecodeSubMessages(frame []byte) ([]Message, error) {
	var out []Message
	for len(frame) > 0 {
		if len(frame) < subMessageHeaderSize {
			return nil, fmt.Errorf("connmgr: truncated sub-message header")
		}
		size := int(binary.BigEndian.Uint16(frame[:2]))
		t := MessageType(frame[2])
		frame = frame[subMessageHeaderSize:]
		if len(frame) < size {
			return nil, fmt.Errorf("connmgr: truncated sub-message body")
		}
		out = append(out, Message{Type: t, Payload: frame[:size]})
		frame = frame[size:]
	}
	return out, nil
}

// Deliver accepts one inbound frame from sender: it decrypts (if needed), splits
// the frame into sub-messages, and dispatches each to its handler in
// arrival order, per spec.md §5's ordering guarantee.
func (m *Manager) Deliver(peer identity.ID, frame []byte) {
	s := m.lookupByPeer(peer)
	if s == nil {
		return
	}
	s.touch(m.clk.Now())

	payload := frame
	if s.encrypted && s.sessionKey != nil {
		pt, err := s.sessionKey.Decrypt(frame)
		if err != nil {
			if m.reg != nil {
				m.reg.Counter("connmgr/recv/decrypt_failed").Inc(1)
			}
			return
		}
		payload = pt
	}
	msgs, err := DecodeSubMessages(payload)
	if err != nil {
		if m.reg != nil {
			m.reg.Counter("connmgr/recv/malformed").Inc(1)
		}
		return
	}
	m.mu.Lock()
	handlers := make(map[MessageType]Handler, len(m.p2pHandlers))
	for k, v := range m.p2pHandlers {
		handlers[k] = v
	}
	m.mu.Unlock()

	for _, msg := range msgs {
		h, ok := handlers[msg.Type]
		if !ok {
			if m.reg != nil {
				m.reg.Counter("connmgr/recv/unknown_type").Inc(1)
			}
			continue
		}
		h(peer, msg)
	}
}

// PreferTrafficFrom additively increments the exponentially-decaying
// bandwidth preference for peer, per spec.md §4.3.
func (m *Manager) PreferTrafficFrom(peer identity.ID, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayPreferenceLocked(peer, time.Now())
	m.preference[peer] += score
}

// Preference returns the current decayed preference score for peer.
func (m *Manager) Preference(peer identity.ID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayPreferenceLocked(peer, time.Now())
	return m.preference[peer]
}

func (m *Manager) decayPreferenceLocked(peer identity.ID, now time.Time) {
	last, ok := m.preferLast[peer]
	m.preferLast[peer] = now
	if !ok {
		return
	}
	elapsed := now.Sub(last).Seconds()
	if elapsed <= 0 {
		return
	}
	const halflife = 60.0
	m.preference[peer] *= math.Pow(0.5, elapsed/halflife)
}

// ChangeTrust adjusts peer's trust by delta, saturating at zero on the low
// side, per spec.md §4.3.
func (m *Manager) ChangeTrust(peer identity.ID, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trust[peer] + delta
	if t < 0 {
		t = 0
	}
	m.trust[peer] = t
	return t
}

// GetTrust returns peer's current trust value.
func (m *Manager) GetTrust(peer identity.ID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trust[peer]
}

// BroadcastToConnected sends message to every currently connected session,
// per spec.md §4.3 ("not a network-wide flood").
func (m *Manager) BroadcastToConnected(msgType MessageType, payload []byte, priority uint32, maxDelay time.Duration) {
	for _, peer := range m.ConnectedPeers() {
		_ = m.Send(peer, msgType, payload, priority, maxDelay)
	}
}

// ConnectedPeers lists every peer with a live session.
func (m *Manager) ConnectedPeers() []identity.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.ID, 0, len(m.byPeer))
	for id, s := range m.byPeer {
		if !s.closed {
			out = append(out, id)
		}
	}
	return out
}

// ForAllConnected enumerates every connected peer under the connection
// lock; per spec.md §4.3 the visitor MUST NOT block nor call back into the
// Manager.
func (m *Manager) ForAllConnected(visitor func(peer identity.ID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.byPeer {
		if !s.closed {
			visitor(id)
		}
	}
}

func (m *Manager) markDead(s *session) {
	m.mu.Lock()
	s.closed = true
	m.mu.Unlock()
}

// sweepIdle destroys sessions whose reference count is zero and whose
// idle time exceeds the configured timeout, per spec.md §3's session
// lifetime invariant and Testable Scenario F.
func (m *Manager) sweepIdle() {
	now := m.clk.Now()
	m.mu.Lock()
	var dead []*session
	for id, s := range m.byPeer {
		if s.closed {
			delete(m.byPeer, id)
			continue
		}
		if s.refs() == 0 && s.idleFor(now) > m.cfg.IdleTimeout {
			s.closed = true
			dead = append(dead, s)
			delete(m.byPeer, id)
		}
	}
	m.mu.Unlock()

	for _, s := range dead {
		s.plugin.Disconnect(s.transport)
		if m.log != nil {
			m.log.Debug("session evicted for idleness", "peer", s.peer)
		}
	}
}
