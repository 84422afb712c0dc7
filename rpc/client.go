package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netmesh/overlay/connmgr"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
)

// Status is the outcome delivered to a call's completion callback.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrMalformed is the malformed-argument rejection of spec.md §4.9.
	ErrMalformed   = errors.New("rpc: malformed argument")
	ErrNameTaken   = errors.New("rpc: name already registered")
)

// SyncFn answers an RPC immediately; its return becomes the reply's
// result params, or a malformed-argument rejection on error.
type SyncFn func(from identity.ID, params ParamList) (ParamList, error)

// AsyncFn answers an RPC at its own pace, invoking reply exactly once,
// per spec.md §4.9's "the substrate invokes the per-call completion
// callback exactly once, with the result-params on OK and empty params on
// TIMEOUT". reply's err, when non-nil, is surfaced to the caller as
// StatusMalformed.
type AsyncFn func(from identity.ID, params ParamList, reply func(result ParamList, err error))

// Completion is invoked exactly once per Start call.
type Completion func(result ParamList, status Status)

// Handle identifies one in-flight Start call, for Stop.
type Handle struct{ id uint64 }

type registration struct {
	specs []Spec
	fn    AsyncFn
}

type pendingCall struct {
	mu         sync.Mutex
	done       bool
	onDone     Completion
	resultSpec []Spec
	job        *scheduler.Job
}

// Client is the RPC substrate of spec.md §4.9: register/register-async on
// the callee side and start/stop on the caller side, carried as two new
// sub-message types (connmgr.MsgRPCRequest/MsgRPCResponse) over an
// existing connmgr.Manager's session dispatch.
type Client struct {
	mgr *connmgr.Manager
	sch *scheduler.Scheduler
	clk scheduler.Clock
	log *log.Logger
	reg *metrics.Registry

	mu       sync.Mutex
	handlers map[string]registration

	callMu sync.Mutex
	nextID uint64
	pending map[uint64]*pendingCall
}

// New wires a Client onto mgr's RPC request/response sub-message types.
func New(mgr *connmgr.Manager, sch *scheduler.Scheduler, clk scheduler.Clock, logger *log.Logger, reg *metrics.Registry) *Client {
	c := &Client{
		mgr:      mgr,
		sch:      sch,
		clk:      clk,
		log:      logger,
		reg:      reg,
		handlers: make(map[string]registration),
		pending:  make(map[uint64]*pendingCall),
	}
	_ = mgr.RegisterHandler(connmgr.MsgRPCRequest, c.handleRequest)
	_ = mgr.RegisterHandler(connmgr.MsgRPCResponse, c.handleResponse)
	return c
}

// Register installs a synchronous callee handler for name, per spec.md
// §4.9's register(name, sync-fn).
func (c *Client) Register(name string, specs []Spec, fn SyncFn) error {
	return c.RegisterAsync(name, specs, func(from identity.ID, params ParamList, reply func(ParamList, error)) {
		result, err := fn(from, params)
		reply(result, err)
	})
}

// RegisterAsync installs an asynchronous callee handler for name, per
// spec.md §4.9's register-async(name, async-fn).
func (c *Client) RegisterAsync(name string, specs []Spec, fn AsyncFn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	c.handlers[name] = registration{specs: specs, fn: fn}
	return nil
}

// Start begins an async RPC against peer, per spec.md §4.9's
// start(peer, name, params, options, timeout, completion-cb, closure) —
// the closure is whatever state onDone captures. resultSpec validates the
// eventual reply the same way an inbound call's params are validated
// against a registration's specs, so a reply with a wrongly-sized named
// value surfaces as StatusMalformed instead of StatusOK (spec.md §4.9:
// "the caller treats any reply whose named value has the wrong length as
// malformed").
func (c *Client) Start(peer identity.ID, name string, params ParamList, resultSpec []Spec, timeout time.Duration, onDone Completion) Handle {
	c.callMu.Lock()
	c.nextID++
	id := c.nextID
	pc := &pendingCall{onDone: onDone, resultSpec: resultSpec}
	c.pending[id] = pc
	c.callMu.Unlock()

	pc.job = &scheduler.Job{Callback: func(any) { c.complete(id, nil, StatusTimeout) }}
	c.sch.Add(pc.job, timeout)

	frame := encodeRequest(id, name, params)
	if err := c.mgr.Send(peer, connmgr.MsgRPCRequest, frame, 0, timeout); err != nil {
		if c.reg != nil {
			c.reg.Counter("rpc/start/send_failed").Inc(1)
		}
		c.complete(id, nil, StatusTimeout)
	}
	return Handle{id: id}
}

// Stop cancels a pending call, per spec.md §4.9's stop(handle). It is
// idempotent: stopping an already-completed call (the reply and the
// timeout may race, per spec.md §5) is a no-op.
func (c *Client) Stop(h Handle) {
	c.complete(h.id, nil, StatusTimeout)
}

// complete is the single idempotent completion path: whichever of the
// network reply, the timeout job, or an explicit Stop reaches it first
// wins; every later caller for the same id is a no-op, satisfying the
// abort-idempotence requirement spec.md §5 states for RPC and DHT
// operations alike.
func (c *Client) complete(id uint64, result ParamList, status Status) {
	c.callMu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.callMu.Unlock()
	if !ok {
		return
	}

	pc.mu.Lock()
	if pc.done {
		pc.mu.Unlock()
		return
	}
	pc.done = true
	onDone := pc.onDone
	job := pc.job
	pc.mu.Unlock()

	if job != nil {
		c.sch.Advance(job)
	}
	if onDone != nil {
		onDone(result, status)
	}
}

func (c *Client) handleRequest(from identity.ID, msg connmgr.Message) {
	id, name, params, err := decodeRequest(msg.Payload)
	if err != nil {
		if c.reg != nil {
			c.reg.Counter("rpc/request/malformed").Inc(1)
		}
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[name]
	c.mu.Unlock()
	if !ok {
		c.sendResponse(from, id, nil, StatusMalformed)
		return
	}
	if err := Validate(params, h.specs); err != nil {
		c.sendResponse(from, id, nil, StatusMalformed)
		return
	}

	h.fn(from, params, func(result ParamList, err error) {
		status := StatusOK
		if err != nil {
			status = StatusMalformed
			result = nil
		}
		c.sendResponse(from, id, result, status)
	})
}

func (c *Client) sendResponse(to identity.ID, id uint64, params ParamList, status Status) {
	frame := encodeResponse(id, status, params)
	if err := c.mgr.Send(to, connmgr.MsgRPCResponse, frame, 0, 0); err != nil && c.reg != nil {
		c.reg.Counter("rpc/response/send_failed").Inc(1)
	}
}

func (c *Client) handleResponse(from identity.ID, msg connmgr.Message) {
	id, status, params, err := decodeResponse(msg.Payload)
	if err != nil {
		if c.reg != nil {
			c.reg.Counter("rpc/response/malformed").Inc(1)
		}
		return
	}

	c.callMu.Lock()
	pc, ok := c.pending[id]
	c.callMu.Unlock()
	if ok && status == StatusOK {
		if verr := Validate(params, pc.resultSpec); verr != nil {
			status = StatusMalformed
			params = nil
		}
	}
	c.complete(id, params, status)
}

func encodeRequest(id uint64, name string, params ParamList) []byte {
	buf := make([]byte, 8, 8+2+len(name)+16)
	binary.BigEndian.PutUint64(buf, id)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)
	buf = append(buf, encodeParams(params)...)
	return buf
}

func decodeRequest(buf []byte) (id uint64, name string, params ParamList, err error) {
	if len(buf) < 10 {
		return 0, "", nil, fmt.Errorf("%w: truncated request header", ErrMalformed)
	}
	id = binary.BigEndian.Uint64(buf[:8])
	buf = buf[8:]
	nameLen := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < nameLen {
		return 0, "", nil, fmt.Errorf("%w: truncated request name", ErrMalformed)
	}
	name = string(buf[:nameLen])
	buf = buf[nameLen:]
	params, _, err = decodeParams(buf)
	if err != nil {
		return 0, "", nil, err
	}
	return id, name, params, nil
}

func encodeResponse(id uint64, status Status, params ParamList) []byte {
	buf := make([]byte, 9, 16)
	binary.BigEndian.PutUint64(buf, id)
	buf[8] = byte(status)
	buf = append(buf, encodeParams(params)...)
	return buf
}

func decodeResponse(buf []byte) (id uint64, status Status, params ParamList, err error) {
	if len(buf) < 9 {
		return 0, 0, nil, fmt.Errorf("%w: truncated response header", ErrMalformed)
	}
	id = binary.BigEndian.Uint64(buf[:8])
	status = Status(buf[8])
	params, _, err = decodeParams(buf[9:])
	if err != nil {
		return 0, 0, nil, err
	}
	return id, status, params, nil
}
