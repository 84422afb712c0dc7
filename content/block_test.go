package content

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/netmesh/overlay/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContentAddressingRoundTrip is Testable Property 1 from spec.md §8:
// for every byte sequence B of length <= block-size, encode(B) produces a
// pair (query, ciphertext) such that decode(ciphertext, query.key) == B and
// H(ciphertext || type) == query.
func TestContentAddressingRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 17, 1024, MaxBlockSize}
	for _, size := range sizes {
		b := make([]byte, size)
		rand.Read(b)

		block, err := EncodeDataBlock(b)
		require.NoError(t, err)

		recovered, err := DecodeDataBlock(block.Encode(), block.Key())
		require.NoError(t, err)
		assert.True(t, bytes.Equal(b, recovered))

		want := crypto.Hash256(block.Encode(), []byte{byte(TypeData)})
		assert.Equal(t, Query(want), block.Query())
	}
}

func TestEncodeRejectsOversizeBlock(t *testing.T) {
	b := make([]byte, MaxBlockSize+1)
	_, err := EncodeDataBlock(b)
	assert.ErrorIs(t, err, ErrOversize)
}

func TestDecodeWithWrongKeyFails(t *testing.T) {
	block, err := EncodeDataBlock([]byte("hello world"))
	require.NoError(t, err)

	other, err := EncodeDataBlock([]byte("goodbye world"))
	require.NoError(t, err)

	_, err = DecodeDataBlock(block.Encode(), other.Key())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestInodeBlockEncodesChildKeys(t *testing.T) {
	var k1, k2 Key
	k1[0] = 1
	k2[0] = 2
	inode, err := NewInodeBlock([]Key{k1, k2})
	require.NoError(t, err)
	assert.Equal(t, TypeInode, inode.Type())
	assert.NotEqual(t, Query{}, inode.Query())
}

func TestKeywordBlockQueryIsDoubleHash(t *testing.T) {
	kb := KeywordBlock{Keyword: "anonymity"}
	q1 := kb.Query()
	kb2 := KeywordBlock{Keyword: "anonymity"}
	q2 := kb2.Query()
	assert.Equal(t, q1, q2)

	inner := crypto.Hash256([]byte("anonymity"))
	assert.Equal(t, Query(crypto.Hash256(inner[:])), q1)

	other := KeywordBlock{Keyword: "routing"}
	assert.NotEqual(t, q1, other.Query())
}

func TestSignedBlockVerify(t *testing.T) {
	ns := crypto.DeriveNamespaceKey([]byte("ns-seed"))
	ciphertext := []byte("ciphertext-bytes")
	sig := crypto.Sign(ns.Priv, ciphertext)
	sb := SignedBlock{NamespacePub: ns.Pub, UpdateID: []byte("update-1"), Ciphertext: ciphertext, Signature: sig}

	assert.True(t, VerifySigned(ns.Pub.Identity(), sb))

	tampered := sb
	tampered.Ciphertext = []byte("tampered-bytes!!")
	assert.False(t, VerifySigned(ns.Pub.Identity(), tampered))
}
