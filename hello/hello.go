// Package hello implements the signed peer address advertisement of
// spec.md §3/§6: a record binding an identity to a transport address with
// an expiry, verified by signature and cached by receivers.
package hello

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/netmesh/overlay/crypto"
	"github.com/netmesh/overlay/identity"
)

// Hello is the wire record of spec.md §6: "fixed header {total-size,
// signature, public-key, subject-identity, expiration (seconds since
// epoch), address-size, protocol-id, MTU} followed by protocol-specific
// address bytes." All multi-byte integers are network byte order.
type Hello struct {
	Signature  crypto.Signature
	PublicKey  crypto.PublicKey
	Subject    identity.ID
	Expiration time.Time
	ProtocolID uint16
	MTU        uint32
	Address    []byte
}

var (
	ErrMalformed  = errors.New("hello: malformed record")
	ErrBadSig     = errors.New("hello: signature verification failed")
	ErrExpired    = errors.New("hello: expired")
	ErrWrongOwner = errors.New("hello: public key does not hash to subject identity")
)

// signedPayload returns everything from subject-identity onward, per
// spec.md §6: "Signature covers everything from subject-identity onward."
func signedPayload(subject identity.ID, expiration time.Time, protocolID uint16, mtu uint32, address []byte) []byte {
	idBytes := subject.Bytes()
	buf := make([]byte, 0, identity.Size+8+2+4+len(address))
	buf = append(buf, idBytes[:]...)
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(expiration.Unix()))
	buf = append(buf, expBuf[:]...)
	var protoBuf [2]byte
	binary.BigEndian.PutUint16(protoBuf[:], protocolID)
	buf = append(buf, protoBuf[:]...)
	var mtuBuf [4]byte
	binary.BigEndian.PutUint32(mtuBuf[:], mtu)
	buf = append(buf, mtuBuf[:]...)
	buf = append(buf, address...)
	return buf
}

// Create builds and signs a hello about the local peer, per spec.md §4.1/
// §6 ("create-hello() -> hello" in the consumed transport interface, and
// the core's own signing of it).
func Create(priv crypto.PrivateKey, pub crypto.PublicKey, protocolID uint16, mtu uint32, address []byte, ttl time.Duration) Hello {
	subject := pub.Identity()
	expiration := time.Now().Add(ttl)
	payload := signedPayload(subject, expiration, protocolID, mtu, address)
	return Hello{
		Signature:  crypto.Sign(priv, payload),
		PublicKey:  pub,
		Subject:    subject,
		Expiration: expiration,
		ProtocolID: protocolID,
		MTU:        mtu,
		Address:    address,
	}
}

// Verify checks signature validity and expiration, per spec.md §3
// ("verified by signature and by transport-specific well-formedness;
// invalidated by expiration-time"). Transport-specific address well-
// formedness is the transport plugin's responsibility (spec.md §6).
func (h Hello) Verify(now time.Time) error {
	if !h.PublicKey.Identity().Equal(h.Subject) {
		return ErrWrongOwner
	}
	payload := signedPayload(h.Subject, h.Expiration, h.ProtocolID, h.MTU, h.Address)
	if !crypto.Verify(h.Subject, h.PublicKey, payload, h.Signature) {
		return ErrBadSig
	}
	if now.After(h.Expiration) {
		return ErrExpired
	}
	return nil
}

// Encode serializes h to the wire format described in spec.md §6.
func (h Hello) Encode() []byte {
	pub := h.PublicKey.Bytes()
	idBytes := h.Subject.Bytes()
	sig := h.Signature.DER

	size := 4 + 2 + len(sig) + 1 + len(pub) + identity.Size + 8 + 4 + 2 + 4 + len(h.Address)
	buf := make([]byte, 0, size)

	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(size))
	buf = append(buf, sizeBuf[:]...)

	var sigLenBuf [2]byte
	binary.BigEndian.PutUint16(sigLenBuf[:], uint16(len(sig)))
	buf = append(buf, sigLenBuf[:]...)
	buf = append(buf, sig...)

	buf = append(buf, byte(len(pub)))
	buf = append(buf, pub...)

	buf = append(buf, idBytes[:]...)

	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(h.Expiration.Unix()))
	buf = append(buf, expBuf[:]...)

	var addrSizeBuf [4]byte
	binary.BigEndian.PutUint32(addrSizeBuf[:], uint32(len(h.Address)))
	buf = append(buf, addrSizeBuf[:]...)

	var protoBuf [2]byte
	binary.BigEndian.PutUint16(protoBuf[:], h.ProtocolID)
	buf = append(buf, protoBuf[:]...)

	var mtuBuf [4]byte
	binary.BigEndian.PutUint32(mtuBuf[:], h.MTU)
	buf = append(buf, mtuBuf[:]...)

	buf = append(buf, h.Address...)
	return buf
}

// Decode parses the wire format produced by Encode. It does not verify
// the signature or expiration; call Verify separately, per spec.md §7's
// "Malformed-input" taxonomy (parse failures are distinct from signature
// failures).
func Decode(buf []byte) (Hello, error) {
	if len(buf) < 4 {
		return Hello{}, fmt.Errorf("%w: too short", ErrMalformed)
	}
	total := binary.BigEndian.Uint32(buf[:4])
	if int(total) != len(buf) {
		return Hello{}, fmt.Errorf("%w: size mismatch", ErrMalformed)
	}
	off := 4
	if len(buf) < off+2 {
		return Hello{}, fmt.Errorf("%w: truncated signature length", ErrMalformed)
	}
	sigLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+sigLen {
		return Hello{}, fmt.Errorf("%w: truncated signature", ErrMalformed)
	}
	sig := append([]byte(nil), buf[off:off+sigLen]...)
	off += sigLen

	if len(buf) < off+1 {
		return Hello{}, fmt.Errorf("%w: truncated pubkey length", ErrMalformed)
	}
	pubLen := int(buf[off])
	off++
	if len(buf) < off+pubLen {
		return Hello{}, fmt.Errorf("%w: truncated pubkey", ErrMalformed)
	}
	pub, err := crypto.ParsePublicKey(buf[off : off+pubLen])
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	off += pubLen

	if len(buf) < off+identity.Size {
		return Hello{}, fmt.Errorf("%w: truncated subject identity", ErrMalformed)
	}
	var idRaw [identity.Size]byte
	copy(idRaw[:], buf[off:off+identity.Size])
	subject := identity.FromDigest(idRaw)
	off += identity.Size

	if len(buf) < off+8 {
		return Hello{}, fmt.Errorf("%w: truncated expiration", ErrMalformed)
	}
	expiration := time.Unix(int64(binary.BigEndian.Uint64(buf[off:off+8])), 0)
	off += 8

	if len(buf) < off+4 {
		return Hello{}, fmt.Errorf("%w: truncated address size", ErrMalformed)
	}
	addrSize := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	if len(buf) < off+2 {
		return Hello{}, fmt.Errorf("%w: truncated protocol id", ErrMalformed)
	}
	protocolID := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2

	if len(buf) < off+4 {
		return Hello{}, fmt.Errorf("%w: truncated mtu", ErrMalformed)
	}
	mtu := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	if len(buf) < off+addrSize {
		return Hello{}, fmt.Errorf("%w: truncated address", ErrMalformed)
	}
	address := append([]byte(nil), buf[off:off+addrSize]...)

	return Hello{
		Signature:  crypto.Signature{DER: sig},
		PublicKey:  pub,
		Subject:    subject,
		Expiration: expiration,
		ProtocolID: protocolID,
		MTU:        mtu,
		Address:    address,
	}, nil
}
