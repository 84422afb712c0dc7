package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("query-hash-and-ttl-bytes")
	sig := Sign(priv, msg)

	id := pub.Identity()
	assert.True(t, Verify(id, pub, msg, sig))
}

func TestPrivateKeySeedRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	seed := priv.Bytes()
	require.Len(t, seed, 32)

	restored, err := ParsePrivateKey(seed)
	require.NoError(t, err)
	assert.Equal(t, pub.Bytes(), restored.PublicKey().Bytes())
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := Sign(priv, []byte("original"))
	assert.False(t, Verify(pub.Identity(), pub, []byte("tampered"), sig))
}

func TestVerifyRejectsWrongIdentity(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	_, otherPub, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("hello-record-bytes")
	sig := Sign(priv, msg)
	assert.False(t, Verify(otherPub.Identity(), pub, msg, sig))
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	shared := Hash256([]byte("shared-secret"))
	k1, err := DeriveSessionKey(shared[:])
	require.NoError(t, err)
	k2, err := DeriveSessionKey(shared[:])
	require.NoError(t, err)

	msg := []byte("plaintext block contents")
	ct1, err := k1.Encrypt(msg)
	require.NoError(t, err)
	pt2, err := k2.Decrypt(ct1)
	require.NoError(t, err)
	assert.Equal(t, msg, pt2)
}

func TestContentKeyEncryptsUnderOwnHash(t *testing.T) {
	plaintext := []byte("a data block's bytes, up to 32KiB")
	key := DeriveContentKey(plaintext)

	ciphertext, err := key.EncryptContent(plaintext)
	require.NoError(t, err)

	recovered, err := key.DecryptContent(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)

	wrongKey := DeriveContentKey([]byte("different plaintext"))
	_, err = wrongKey.DecryptContent(ciphertext)
	assert.Error(t, err)
}

func TestNamespaceKeyDerivationIsDeterministic(t *testing.T) {
	seed := []byte("my-namespace-seed")
	a := DeriveNamespaceKey(seed)
	b := DeriveNamespaceKey(seed)
	assert.Equal(t, a.Pub.Bytes(), b.Pub.Bytes())

	other := DeriveNamespaceKey([]byte("different-seed"))
	assert.NotEqual(t, a.Pub.Bytes(), other.Pub.Bytes())
}

func TestRoutingIdentifierBindsNamespaceAndUpdate(t *testing.T) {
	ns := DeriveNamespaceKey([]byte("ns"))
	r1 := RoutingIdentifier(ns.Pub, []byte("update-1"))
	r2 := RoutingIdentifier(ns.Pub, []byte("update-2"))
	assert.NotEqual(t, r1, r2)
}
