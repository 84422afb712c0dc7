package crypto

import (
	"crypto/cipher"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// SessionKey is the symmetric key + nonce-base pair two peers derive from a
// shared digest, per spec.md §4.1 ("derive symmetric session key + IV from
// a shared digest... deterministic so that any two peers sharing the seed
// reach the same (key, IV)").
type SessionKey struct {
	key   [chacha20poly1305.KeySize]byte
	nonce [chacha20poly1305.NonceSize]byte
}

// DeriveSessionKey derives (key, IV) from sharedDigest using HKDF-SHA3-256,
// matching go-ethereum's crypto/ecies use of HKDF for key derivation from a
// shared ECDH secret, adapted here to derive from an arbitrary pre-shared
// digest rather than performing ECDH itself.
func DeriveSessionKey(sharedDigest []byte) (SessionKey, error) {
	r := hkdf.New(sha3.New256, sharedDigest, nil, []byte("netmesh-overlay-session"))
	var sk SessionKey
	if _, err := io.ReadFull(r, sk.key[:]); err != nil {
		return SessionKey{}, fmt.Errorf("crypto: derive session key: %w", err)
	}
	if _, err := io.ReadFull(r, sk.nonce[:]); err != nil {
		return SessionKey{}, fmt.Errorf("crypto: derive session nonce: %w", err)
	}
	return sk, nil
}

func (sk SessionKey) aead() (cipher.AEAD, error) {
	return chacha20poly1305.New(sk.key[:])
}

// Encrypt seals plaintext under the session key, per spec.md §4.1
// ("encrypt/decrypt a block under (session-key, IV)").
func (sk SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := sk.aead()
	if err != nil {
		return nil, fmt.Errorf("crypto: session cipher: %w", err)
	}
	return aead.Seal(nil, sk.nonce[:aead.NonceSize()], plaintext, nil), nil
}

// Decrypt opens a frame sealed by Encrypt with the same session key.
func (sk SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := sk.aead()
	if err != nil {
		return nil, fmt.Errorf("crypto: session cipher: %w", err)
	}
	out, err := aead.Open(nil, sk.nonce[:aead.NonceSize()], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: session decrypt: %w", err)
	}
	return out, nil
}

// ContentKey is the per-block key derived from the plaintext's own hash,
// per spec.md §3 invariant (b): "decryption key for data blocks derivable
// from H(plaintext) — content is encrypted under its own hash so that only
// a requester who already knows the hash can decrypt."
type ContentKey [32]byte

// DeriveContentKey computes the content-addressed encryption key for a
// data block from its plaintext.
func DeriveContentKey(plaintext []byte) ContentKey {
	return ContentKey(Hash256(plaintext))
}

// EncryptContent seals plaintext under its own content key.
func (k ContentKey) EncryptContent(plaintext []byte) ([]byte, error) {
	sk, err := sessionKeyFromContentKey(k)
	if err != nil {
		return nil, err
	}
	return sk.Encrypt(plaintext)
}

// DecryptContent opens ciphertext under content key k, which the caller
// must already know (typically because it was derived from a query hash).
func (k ContentKey) DecryptContent(ciphertext []byte) ([]byte, error) {
	sk, err := sessionKeyFromContentKey(k)
	if err != nil {
		return nil, err
	}
	return sk.Decrypt(ciphertext)
}

func sessionKeyFromContentKey(k ContentKey) (SessionKey, error) {
	return DeriveSessionKey(k[:])
}
