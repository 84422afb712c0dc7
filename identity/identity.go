// Package identity implements the peer identity model of spec.md §3: a
// 512-bit (or legacy 160-bit) digest of a public key, bitwise-ordered, with
// XOR distance used throughout the DHT (spec.md §4.7–§4.8).
package identity

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Size is the width in bytes of a full (non-legacy) identity: 512 bits.
const Size = 64

// LegacySize is the width in bytes of the legacy identity variant: 160 bits.
const LegacySize = 20

// ID is a peer identity: the hash of a public key. Equality and ordering
// are bitwise over the full 64 bytes; a legacy identity is stored in the
// low 20 bytes with the high 44 bytes zero and Legacy set, so that two
// legacy IDs still compare correctly against each other while never
// colliding with a full-width ID (which would need its high 44 bytes to be
// all zero, an astronomically unlikely hash collision).
type ID struct {
	bytes  [Size]byte
	Legacy bool
}

// FromDigest builds a full-width ID from a 64-byte digest.
func FromDigest(digest [Size]byte) ID {
	return ID{bytes: digest}
}

// FromLegacyDigest builds a legacy 160-bit ID, zero-extended into the high
// 44 bytes, matching the original's HashCode512-sized storage of a
// HashCode160 value (src/include/gnunet_core.h).
func FromLegacyDigest(digest [LegacySize]byte) ID {
	var id ID
	copy(id.bytes[Size-LegacySize:], digest[:])
	id.Legacy = true
	return id
}

// FromContentKey embeds a 32-byte content-addressing key (spec.md §4.7's
// DHT operations reuse the Content Store's query-hash space for table
// and value keys) into full peer-identity distance space, placed in the
// low 32 bytes with the high 32 bytes zero (as FromLegacyDigest places its
// 20 bytes, but without setting Legacy), so DHT routing-table
// distance and k-best computations can treat a lookup key the same way
// they treat a peer identity.
func FromContentKey(key [32]byte) ID {
	var id ID
	copy(id.bytes[Size-32:], key[:])
	return id
}

// Bytes returns the full 64-byte representation.
func (id ID) Bytes() [Size]byte { return id.bytes }

// Equal reports bitwise equality.
func (id ID) Equal(other ID) bool {
	return id.bytes == other.bytes
}

// Less gives the identity space a total order: lexicographic over the raw
// bytes. Used only for deterministic iteration/printing, never for
// distance comparisons (use Distance.Less for that).
func (id ID) Less(other ID) bool {
	return bytes.Compare(id.bytes[:], other.bytes[:]) < 0
}

func (id ID) String() string {
	if id.Legacy {
		return hex.EncodeToString(id.bytes[Size-LegacySize:])
	}
	return hex.EncodeToString(id.bytes[:])
}

// Distance is the XOR distance between two identities.
type Distance [Size]byte

// XOR returns the bitwise XOR distance between id and other.
func (id ID) XOR(other ID) Distance {
	var d Distance
	for i := range id.bytes {
		d[i] = id.bytes[i] ^ other.bytes[i]
	}
	return d
}

// Less compares two distances lexicographically on the XOR result, per
// spec.md §3 ("comparison of distances is lexicographic on the XOR
// result").
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// LeadingZeros returns the number of leading zero bits in the distance,
// used by the DHT routing table (spec.md §4.7) to find the bucket covering
// a peer: "scan identity bits most-significant-first to find the highest
// bit that differs from self."
func (d Distance) LeadingZeros() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + leadingZerosByte(b)
		}
	}
	return len(d) * 8
}

func leadingZerosByte(b byte) int {
	n := 0
	for mask := byte(0x80); mask != 0; mask >>= 1 {
		if b&mask != 0 {
			break
		}
		n++
	}
	return n
}

// Parse decodes a hex-encoded identity of either width.
func Parse(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("identity: invalid hex: %w", err)
	}
	switch len(raw) {
	case Size:
		var d [Size]byte
		copy(d[:], raw)
		return FromDigest(d), nil
	case LegacySize:
		var d [LegacySize]byte
		copy(d[:], raw)
		return FromLegacyDigest(d), nil
	default:
		return ID{}, fmt.Errorf("identity: unexpected length %d", len(raw))
	}
}
