package hello

import (
	"testing"
	"time"

	"github.com/netmesh/overlay/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHello(t *testing.T, ttl time.Duration) (Hello, crypto.PrivateKey) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	h := Create(priv, pub, 17, 1400, []byte{1, 2, 3, 4}, ttl)
	return h, priv
}

func TestHelloEncodeDecodeRoundTrip(t *testing.T) {
	h, _ := newTestHello(t, time.Hour)
	buf := h.Encode()
	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.True(t, decoded.Subject.Equal(h.Subject))
	assert.Equal(t, h.ProtocolID, decoded.ProtocolID)
	assert.Equal(t, h.MTU, decoded.MTU)
	assert.Equal(t, h.Address, decoded.Address)
	require.NoError(t, decoded.Verify(time.Now()))
}

func TestHelloVerifyRejectsExpired(t *testing.T) {
	h, _ := newTestHello(t, -time.Minute)
	assert.ErrorIs(t, h.Verify(time.Now()), ErrExpired)
}

func TestHelloVerifyRejectsTamperedAddress(t *testing.T) {
	h, _ := newTestHello(t, time.Hour)
	buf := h.Encode()
	decoded, err := Decode(buf)
	require.NoError(t, err)
	decoded.Address[0] ^= 0xFF
	assert.ErrorIs(t, decoded.Verify(time.Now()), ErrBadSig)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	h, _ := newTestHello(t, time.Hour)
	buf := h.Encode()
	_, err := Decode(buf[:len(buf)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCacheRetainsOneCurrentHelloPerIdentityTransport(t *testing.T) {
	c := NewCache()
	h1, _ := newTestHello(t, time.Hour)

	require.NoError(t, c.Put(h1, time.Now()))
	got, ok := c.Get(h1.Subject, h1.ProtocolID, time.Now())
	require.True(t, ok)
	assert.Equal(t, h1.Address, got.Address)
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c := NewCache()
	h, priv := newTestHello(t, time.Millisecond)
	_ = priv
	// bypass Put's Verify (which would reject an already-expired hello) to
	// exercise Sweep in isolation, mirroring how a hello might expire
	// between being cached and a later sweep.
	c.mu.Lock()
	c.entries[cacheKey{id: h.Subject, protocolID: h.ProtocolID}] = h
	c.mu.Unlock()

	removed := c.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
	_, ok := c.Get(h.Subject, h.ProtocolID, time.Now().Add(time.Hour))
	assert.False(t, ok)
}
