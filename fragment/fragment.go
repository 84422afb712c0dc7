// Package fragment implements the message fragmentation/reassembly layer
// of spec.md §4.4: outbound splitting of oversize messages at the session
// MTU, and inbound reassembly keyed by (sender, fragment-id).
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netmesh/overlay/identity"
)

// headerSize is {fragment-id(4), offset(2), total-length(2)}, mirroring
// P2P_fragmentation_MESSAGE in the original fragmentation engine.
const headerSize = 8

// ExtremePriority marks trailing fragments so they are never starved by
// newer traffic, per spec.md §4.4. connmgr imports this package and
// declares its own ExtremePriority with the same value; no test compares
// the two.
const ExtremePriority = 1 << 30

var (
	// ErrTooLarge is returned when a message exceeds the largest size this
	// wire format can address (a 16-bit length field), matching the
	// original's comment that messages are "limited to a maximum size of
	// 65535 bytes."
	ErrTooLarge = errors.New("fragment: message exceeds 65535 bytes")
)

// Fragment is one wire-format piece of a larger message.
type Fragment struct {
	ID      uint32
	Offset  uint16
	Total   uint16
	Payload []byte
}

// Encode serialises f to {id, offset, total, payload}, all multi-byte
// fields network byte order.
func (f Fragment) Encode() []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.ID)
	binary.BigEndian.PutUint16(buf[4:6], f.Offset)
	binary.BigEndian.PutUint16(buf[6:8], f.Total)
	copy(buf[headerSize:], f.Payload)
	return buf
}

// Decode parses the wire format produced by Encode.
func Decode(buf []byte) (Fragment, error) {
	if len(buf) < headerSize {
		return Fragment{}, fmt.Errorf("fragment: truncated header")
	}
	f := Fragment{
		ID:      binary.BigEndian.Uint32(buf[0:4]),
		Offset:  binary.BigEndian.Uint16(buf[4:6]),
		Total:   binary.BigEndian.Uint16(buf[6:8]),
		Payload: append([]byte(nil), buf[headerSize:]...),
	}
	return f, nil
}

// OutboundMessage is one piece of the outbound split: Priority is
// ExtremePriority for every fragment after the first, per spec.md §4.4
// ("emits the first fragment inline... enqueues remaining fragments at
// EXTREME_PRIORITY").
type OutboundMessage struct {
	Frame    []byte
	Priority uint32
}

// Split divides message into fragments no larger than mtu-headerSize bytes
// of payload each, reserving a random 32-bit message-id shared by every
// piece. basePriority is used for the first (inline) fragment only.
func Split(message []byte, mtu int, basePriority uint32) ([]OutboundMessage, error) {
	if len(message) > 0xFFFF {
		return nil, ErrTooLarge
	}
	payloadCap := mtu - headerSize
	if payloadCap <= 0 {
		return nil, fmt.Errorf("fragment: mtu %d too small for header", mtu)
	}
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	total := uint16(len(message))

	var out []OutboundMessage
	for off := 0; off < len(message); off += payloadCap {
		end := off + payloadCap
		if end > len(message) {
			end = len(message)
		}
		f := Fragment{ID: id, Offset: uint16(off), Total: total, Payload: message[off:end]}
		priority := ExtremePriority
		if off == 0 {
			priority = int(basePriority)
		}
		out = append(out, OutboundMessage{Frame: f.Encode(), Priority: uint32(priority)})
	}
	return out, nil
}

func randomID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("fragment: random id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// slotKey identifies one in-flight reassembly by sender and fragment-id.
type slotKey struct {
	sender identity.ID
	id     uint32
}
