package fsrouter

import (
	"encoding/binary"
	"fmt"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/crypto"
)

// QueryMessage is the wire form of an anonymous FS query, carried as the
// payload of a connmgr.MsgQuery sub-message (spec.md §6, "query").
type QueryMessage struct {
	QueryHash     content.Query
	BlockType     content.Type
	Priority      uint32
	TTL           int32
	SubQueryCount uint16
}

// Encode serialises q as {query-hash(32), block-type(1), priority(4),
// ttl(4), sub-query-count(2)}, network byte order.
func (q QueryMessage) Encode() []byte {
	buf := make([]byte, 32+1+4+4+2)
	copy(buf[0:32], q.QueryHash[:])
	buf[32] = byte(q.BlockType)
	binary.BigEndian.PutUint32(buf[33:37], q.Priority)
	binary.BigEndian.PutUint32(buf[37:41], uint32(q.TTL))
	binary.BigEndian.PutUint16(buf[41:43], q.SubQueryCount)
	return buf
}

// DecodeQuery parses the wire format produced by Encode.
func DecodeQuery(buf []byte) (QueryMessage, error) {
	if len(buf) != 43 {
		return QueryMessage{}, fmt.Errorf("fsrouter: malformed query (%d bytes)", len(buf))
	}
	var q QueryMessage
	copy(q.QueryHash[:], buf[0:32])
	q.BlockType = content.Type(buf[32])
	q.Priority = binary.BigEndian.Uint32(buf[33:37])
	q.TTL = int32(binary.BigEndian.Uint32(buf[37:41]))
	q.SubQueryCount = binary.BigEndian.Uint16(buf[41:43])
	return q, nil
}

// DataReply is the wire form of a CHK or 3HASH reply: the query hash the
// reply answers, the block type it was stored under, and the block's own
// encoding (ciphertext for data blocks, the unencrypted child-key list for
// inode blocks, the encrypted body for keyword blocks), per spec.md §4.6 ("CHK, 3HASH... variants differ only in how
// the query-hash is recomputed from the reply").
type DataReply struct {
	QueryHash content.Query
	BlockType content.Type
	Payload   []byte
}

func (r DataReply) Encode() []byte {
	buf := make([]byte, 32+1+len(r.Payload))
	copy(buf[0:32], r.QueryHash[:])
	buf[32] = byte(r.BlockType)
	copy(buf[33:], r.Payload)
	return buf
}

func DecodeDataReply(buf []byte) (DataReply, error) {
	if len(buf) < 33 {
		return DataReply{}, fmt.Errorf("fsrouter: malformed data reply (%d bytes)", len(buf))
	}
	var r DataReply
	copy(r.QueryHash[:], buf[0:32])
	r.BlockType = content.Type(buf[32])
	r.Payload = append([]byte(nil), buf[33:]...)
	return r, nil
}

// SignedReply is the wire form of a signed namespace block reply. Its
// query hash is not carried explicitly on the wire: it is recomputed from
// NamespacePub and UpdateID per content.SignedBlock.Query, matching
// spec.md §4.6's "query-hash is recomputed from the reply" for this
// variant.
type SignedReply struct {
	NamespacePub crypto.PublicKey
	UpdateID     []byte
	Ciphertext   []byte
	Signature    crypto.Signature
}

func (r SignedReply) Encode() []byte {
	pub := r.NamespacePub.Bytes()
	sig := r.Signature.DER
	buf := make([]byte, 2+len(pub)+2+len(r.UpdateID)+4+len(r.Ciphertext)+2+len(sig))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(pub)))
	off += 2
	copy(buf[off:], pub)
	off += len(pub)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(r.UpdateID)))
	off += 2
	copy(buf[off:], r.UpdateID)
	off += len(r.UpdateID)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Ciphertext)))
	off += 4
	copy(buf[off:], r.Ciphertext)
	off += len(r.Ciphertext)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(sig)))
	off += 2
	copy(buf[off:], sig)
	return buf
}

func DecodeSignedReply(buf []byte) (SignedReply, error) {
	var r SignedReply
	off := 0
	readChunk := func(lenBytes int) ([]byte, error) {
		if off+lenBytes > len(buf) {
			return nil, fmt.Errorf("fsrouter: truncated signed reply")
		}
		var n int
		switch lenBytes {
		case 2:
			n = int(binary.BigEndian.Uint16(buf[off:]))
		case 4:
			n = int(binary.BigEndian.Uint32(buf[off:]))
		}
		off += lenBytes
		if off+n > len(buf) {
			return nil, fmt.Errorf("fsrouter: truncated signed reply field")
		}
		chunk := buf[off : off+n]
		off += n
		return chunk, nil
	}

	pub, err := readChunk(2)
	if err != nil {
		return SignedReply{}, err
	}
	r.NamespacePub, err = crypto.ParsePublicKey(pub)
	if err != nil {
		return SignedReply{}, fmt.Errorf("fsrouter: malformed namespace key: %w", err)
	}
	updateID, err := readChunk(2)
	if err != nil {
		return SignedReply{}, err
	}
	r.UpdateID = append([]byte(nil), updateID...)
	ciphertext, err := readChunk(4)
	if err != nil {
		return SignedReply{}, err
	}
	r.Ciphertext = append([]byte(nil), ciphertext...)
	sig, err := readChunk(2)
	if err != nil {
		return SignedReply{}, err
	}
	r.Signature = crypto.Signature{DER: append([]byte(nil), sig...)}
	return r, nil
}
