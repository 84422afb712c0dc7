// Package transport defines the plugin contract the core consumes, per
// spec.md §6 ("Transport plugin interface (consumed)"). Concrete
// transports (UDP/TCP/SMTP/HTTP/IPv6 variants) are out of scope; this core
// only depends on this interface.
package transport

import (
	"context"

	"github.com/netmesh/overlay/hello"
)

// Handle is an opaque reference to an established transport-level
// connection, analogous to the original's GNUNET_TSession. The Connection
// Manager wraps one of these inside each Session (spec.md §3).
type Handle interface{}

// Plugin is the send/receive/connect contract a transport implements.
// A plugin advertises its protocol number, MTU, and relative cost
// (spec.md §6). The Connection Manager does not read Cost: Connect uses
// whichever plugin its caller passes.
type Plugin interface {
	ProtocolID() uint16
	MTU() uint32
	Cost() uint32

	// VerifyHello checks transport-specific address well-formedness (the
	// signature/expiration checks are the core's own, in package hello).
	VerifyHello(h hello.Hello) error

	// CreateHello produces a hello describing how to reach this plugin's
	// listening address, unsigned — the caller (connmgr) signs it.
	CreateHello() (protocolID uint16, mtu uint32, address []byte, err error)

	// Connect opens an outbound session to the peer described by h.
	Connect(ctx context.Context, h hello.Hello) (Handle, error)

	// Send transmits bytes over an established session. If encrypted is
	// true, bytes are already an encrypted frame; some transports (e.g.
	// one relying on transport-level TLS) may choose to send plaintext
	// framing regardless.
	Send(session Handle, bytes []byte, encrypted bool) error

	// SendReliable is like Send but blocks until the underlying transport
	// acknowledges delivery, where the transport supports that distinction.
	SendReliable(session Handle, bytes []byte, encrypted bool) error

	// Associate pins session alive for the duration of a caller-held
	// reference (spec.md §4.3).
	Associate(session Handle)

	// Disconnect tears down session.
	Disconnect(session Handle)

	StartServer() error
	StopServer() error

	AddressToString(h hello.Hello) string
}

// Receiver is the shape of an upward path for a Plugin's inbound frames.
// Nothing in this module implements it or hands one to a plugin;
// connmgr.Manager.Deliver takes the sender identity and frame instead.
type Receiver interface {
	Deliver(protocolID uint16, from Handle, frame []byte)
}
