// Package crypto implements the peer identity & crypto operations of
// spec.md §4.1: key-pair generation, signing/verification, content
// hashing, and session key derivation, grounded in go-ethereum's crypto
// package idiom (Keccak-family hashing, secp256k1 signatures) but using
// SHA3-512 so digests are wide enough to serve as identity.ID directly.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/netmesh/overlay/identity"
)

// ErrInvalidSignature is an error value for callers that report a rejected
// signature as an error; nothing in this package returns it. Verify itself
// returns a boolean: per spec.md §4.1, "verify returns a boolean; callers
// that use verification for authentication MUST treat false as hard
// failure."
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// PrivateKey is a peer's secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey is the corresponding verification key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GenerateKeyPair creates a fresh signing key-pair (spec.md §4.1:
// "generate key-pair").
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	return PrivateKey{key: priv}, PublicKey{key: priv.PubKey()}, nil
}

// Bytes returns the 33-byte compressed public key encoding.
func (p PublicKey) Bytes() []byte {
	return p.key.SerializeCompressed()
}

// PublicKey recovers the verification key from priv.
func (priv PrivateKey) PublicKey() PublicKey {
	return PublicKey{key: priv.key.PubKey()}
}

// Bytes returns the 32-byte scalar encoding of priv, the on-disk seed
// format for a node's persisted identity (spec.md §4.1's "load or
// generate a key-pair at startup").
func (priv PrivateKey) Bytes() []byte {
	return priv.key.Serialize()
}

// ParsePrivateKey decodes a 32-byte scalar into a PrivateKey.
func ParsePrivateKey(b []byte) (PrivateKey, error) {
	if len(b) != 32 {
		return PrivateKey{}, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(b))
	}
	k := secp256k1.PrivKeyFromBytes(b)
	return PrivateKey{key: k}, nil
}

// ParsePublicKey decodes a 33-byte compressed public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return PublicKey{}, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return PublicKey{key: k}, nil
}

// Identity derives the peer identity.ID bound to this public key: a
// SHA3-512 digest of its compressed encoding (spec.md §3, "Peer identity").
func (p PublicKey) Identity() identity.ID {
	return identity.FromDigest(Hash512(p.Bytes()))
}

// Hash512 is the collision-resistant, fixed-output hash function named in
// spec.md §4.1's contract ("hash(bytes) → digest"). It backs both content
// addressing (content package) and identity derivation.
func Hash512(data ...[]byte) [64]byte {
	h := sha3.New512()
	for _, d := range data {
		h.Write(d)
	}
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hash256 is the narrower 256-bit hash used for CHK/keyword query
// derivation (spec.md §3, "query hash derived from H(block)").
func Hash256(data ...[]byte) [32]byte {
	h := sha3.New256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Signature is a detached signature over caller-named bytes. Per spec.md
// §4.1, it covers exactly the bytes the caller names — callers are
// responsible for including any context (e.g. hello's "everything from
// subject-identity onward") in what they pass to Sign.
type Signature struct {
	DER []byte
}

// Sign signs msg with priv, per spec.md §4.1 ("sign(message-bytes) ->
// signature").
func Sign(priv PrivateKey, msg []byte) Signature {
	digest := Hash256(msg)
	sig := ecdsa.Sign(priv.key, digest[:])
	return Signature{DER: sig.Serialize()}
}

// Verify checks that sig is a valid signature by the peer whose identity is
// id, over msg, given that peer's claimed public key pub. It returns false
// (never an error) on any failure, per spec.md §4.1's contract: the caller
// treats false as a hard failure and drops the input.
func Verify(id identity.ID, pub PublicKey, msg []byte, sig Signature) bool {
	if !pub.Identity().Equal(id) {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig.DER)
	if err != nil {
		return false
	}
	digest := Hash256(msg)
	return parsed.Verify(digest[:], pub.key)
}
