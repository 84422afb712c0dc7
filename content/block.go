// Package content implements the content block model of spec.md §3: data
// blocks encrypted under their own hash, inode blocks of child keys,
// keyword blocks, and signed namespace blocks, each with a query and key
// derived deterministically from the block's contents.
package content

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netmesh/overlay/crypto"
	"github.com/netmesh/overlay/identity"
)

// MaxBlockSize is the transport-independent ceiling on block size named in
// spec.md §3 invariant (c): 32 KiB, so higher-layer fragmentation stays
// bounded.
const MaxBlockSize = 32 * 1024

// Type tags a block so handlers can dispatch without inspecting its
// payload, per spec.md §3.
type Type uint8

const (
	TypeData Type = iota
	TypeInode
	TypeKeyword
	TypeSigned
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeInode:
		return "inode"
	case TypeKeyword:
		return "keyword"
	case TypeSigned:
		return "signed"
	default:
		return "unknown"
	}
}

// Query is the routing query a request carries to locate a block: H(block)
// for data blocks, H(H(keyword)) for keyword blocks, or the namespace
// routing identifier for signed blocks (spec.md §3).
type Query [32]byte

// Key is the content-addressing key, from which (together with Type) the
// Query is derivable per spec.md §3 invariant (a).
type Key [32]byte

var (
	// ErrOversize is returned when a block exceeds MaxBlockSize.
	ErrOversize = errors.New("content: block exceeds MaxBlockSize")
	// ErrMalformed is returned by Decode on any parse failure (spec.md §7,
	// "Malformed-input").
	ErrMalformed = errors.New("content: malformed block")
)

// Block is the common interface over the four block kinds in spec.md §3.
type Block interface {
	Type() Type
	Query() Query
	Key() Key
	Encode() []byte
}

// DataBlock is an opaque byte array up to MaxBlockSize, encrypted under
// its own content hash (crypto.ContentKey) so that only a requester who
// already knows the hash can decrypt it (spec.md §3 invariant (b)).
type DataBlock struct {
	ciphertext []byte
	query      Query
	key        Key
}

// EncodeDataBlock seals plaintext under its own hash and derives the
// query/key pair, realizing Testable Property 1 (content addressing
// round-trip).
func EncodeDataBlock(plaintext []byte) (DataBlock, error) {
	if len(plaintext) > MaxBlockSize {
		return DataBlock{}, ErrOversize
	}
	ck := crypto.DeriveContentKey(plaintext)
	ciphertext, err := ck.EncryptContent(plaintext)
	if err != nil {
		return DataBlock{}, fmt.Errorf("content: encode data block: %w", err)
	}
	query := Query(crypto.Hash256(ciphertext, []byte{byte(TypeData)}))
	return DataBlock{ciphertext: ciphertext, query: query, key: Key(ck)}, nil
}

// DecodeDataBlock recovers the plaintext of a data block given the
// content key (normally obtained out-of-band, e.g. from an inode's child
// key list or a keyword block's file identifier).
func DecodeDataBlock(ciphertext []byte, key Key) ([]byte, error) {
	ck := crypto.ContentKey(key)
	plaintext, err := ck.DecryptContent(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plaintext, nil
}

func (b DataBlock) Type() Type  { return TypeData }
func (b DataBlock) Query() Query { return b.query }
func (b DataBlock) Key() Key     { return b.key }
func (b DataBlock) Encode() []byte {
	return append([]byte(nil), b.ciphertext...)
}

// InodeBlock is an array of fixed-size child keys addressing further
// blocks, per spec.md §3.
type InodeBlock struct {
	Children []Key
	query    Query
	key      Key
}

// NewInodeBlock builds an inode over children. Its key is derived from the
// encoded child list the way a data block's key is derived from its
// plaintext; its query is H(encoding || TypeInode) over the unencrypted
// encoding, which is also what Encode returns.
func NewInodeBlock(children []Key) (InodeBlock, error) {
	encoded := encodeKeys(children)
	if len(encoded) > MaxBlockSize {
		return InodeBlock{}, ErrOversize
	}
	ck := crypto.DeriveContentKey(encoded)
	query := Query(crypto.Hash256(encoded, []byte{byte(TypeInode)}))
	return InodeBlock{Children: children, query: query, key: Key(ck)}, nil
}

func (b InodeBlock) Type() Type   { return TypeInode }
func (b InodeBlock) Query() Query { return b.query }
func (b InodeBlock) Key() Key     { return b.key }
func (b InodeBlock) Encode() []byte {
	return encodeKeys(b.Children)
}

func encodeKeys(keys []Key) []byte {
	buf := make([]byte, 4+32*len(keys))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(keys)))
	for i, k := range keys {
		copy(buf[4+32*i:4+32*(i+1)], k[:])
	}
	return buf
}

// KeywordBlock is a signature plus encrypted file identifier and metadata,
// indexed by H(H(keyword)) per spec.md §3.
type KeywordBlock struct {
	Keyword       string
	EncryptedBody []byte
	Signature     crypto.Signature
}

// Query for a keyword block is H(H(keyword)), so that a search client who
// only knows the keyword (not the namespace owner) can compute it.
func (b KeywordBlock) Query() Query {
	inner := crypto.Hash256([]byte(b.Keyword))
	return Query(crypto.Hash256(inner[:]))
}

func (b KeywordBlock) Type() Type { return TypeKeyword }

func (b KeywordBlock) Key() Key {
	return Key(crypto.Hash256([]byte(b.Keyword)))
}

func (b KeywordBlock) Encode() []byte {
	return append([]byte(nil), b.EncryptedBody...)
}

// SignedBlock is a signed block in a namespace: R = H(N||I) routing
// identifier plus ciphertext (spec.md §3).
type SignedBlock struct {
	NamespacePub crypto.PublicKey
	UpdateID     []byte
	Ciphertext   []byte
	Signature    crypto.Signature
}

// Query for a signed block is its namespace routing identifier.
func (b SignedBlock) Query() Query {
	return Query(crypto.RoutingIdentifier(b.NamespacePub, b.UpdateID))
}

func (b SignedBlock) Type() Type { return TypeSigned }

func (b SignedBlock) Key() Key {
	return Key(crypto.Hash256(b.NamespacePub.Bytes(), b.UpdateID))
}

func (b SignedBlock) Encode() []byte {
	return append([]byte(nil), b.Ciphertext...)
}

// VerifySigned checks a signed block's signature against the identity
// derived from its namespace public key, per spec.md §4.1's hard-failure
// contract.
func VerifySigned(id identity.ID, b SignedBlock) bool {
	return crypto.Verify(id, b.NamespacePub, b.Ciphertext, b.Signature)
}
