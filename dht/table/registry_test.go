package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/identity"
)

func newMemStore(t *testing.T) *datastore.Store {
	t.Helper()
	store, err := datastore.NewStore(datastore.NewMemoryBackend(), datastore.Config{QuotaBytes: 1 << 20, ExpectedEntries: 64})
	require.NoError(t, err)
	return store
}

func selfID() identity.ID {
	return identity.FromLegacyDigest([20]byte{0xaa})
}

func TestIsMasterOnlyAllZero(t *testing.T) {
	assert.True(t, IsMaster(Master))
	var other ID
	other[0] = 1
	assert.False(t, IsMaster(other))
}

func TestFlagsAccessors(t *testing.T) {
	f := Flags(5) | MigrationFlag
	assert.Equal(t, 5, f.Replication())
	assert.True(t, f.MigrationOnLeave())
	assert.False(t, f.Cacheable())

	f2 := Flags(3) | CacheFlag
	assert.Equal(t, 3, f2.Replication())
	assert.False(t, f2.MigrationOnLeave())
	assert.True(t, f2.Cacheable())
}

func TestRegistryAlwaysHasMaster(t *testing.T) {
	reg := NewRegistry(selfID(), newMemStore(t), bucket.Config{})
	m := reg.Master()
	require.NotNil(t, m)
	assert.True(t, IsMaster(m.ID))

	tbl, ok := reg.Lookup(Master)
	require.True(t, ok)
	assert.Same(t, m, tbl)
}

func TestRegistryJoinRejectsMasterID(t *testing.T) {
	reg := NewRegistry(selfID(), newMemStore(t), bucket.Config{})
	_, err := reg.Join(Master, 0, newMemStore(t), bucket.Config{})
	assert.Error(t, err)
}

func TestRegistryJoinIsIdempotent(t *testing.T) {
	reg := NewRegistry(selfID(), newMemStore(t), bucket.Config{})
	var id ID
	id[0] = 7

	store := newMemStore(t)
	t1, err := reg.Join(id, MigrationFlag, store, bucket.Config{})
	require.NoError(t, err)
	t2, err := reg.Join(id, 0, newMemStore(t), bucket.Config{})
	require.NoError(t, err)
	assert.Same(t, t1, t2, "re-joining an already-joined table must return the existing Table")
}

func TestRegistryJoinedExcludesMaster(t *testing.T) {
	reg := NewRegistry(selfID(), newMemStore(t), bucket.Config{})
	var id ID
	id[0] = 9
	_, err := reg.Join(id, 0, newMemStore(t), bucket.Config{})
	require.NoError(t, err)

	joined := reg.Joined()
	require.Len(t, joined, 1)
	assert.Equal(t, id, joined[0])
}

func TestRegistryLeaveRemovesTableButNotMaster(t *testing.T) {
	reg := NewRegistry(selfID(), newMemStore(t), bucket.Config{})
	var id ID
	id[0] = 11
	_, err := reg.Join(id, MigrationFlag, newMemStore(t), bucket.Config{})
	require.NoError(t, err)

	left, ok := reg.Leave(id)
	require.True(t, ok)
	assert.True(t, left.Flags.MigrationOnLeave())
	_, ok = reg.Lookup(id)
	assert.False(t, ok)

	_, ok = reg.Leave(Master)
	assert.False(t, ok, "leaving the master table must be a no-op")
	_, ok = reg.Lookup(Master)
	assert.True(t, ok, "master table must still be present")
}

func TestRegistryAllIncludesMaster(t *testing.T) {
	reg := NewRegistry(selfID(), newMemStore(t), bucket.Config{})
	var id ID
	id[0] = 3
	_, err := reg.Join(id, 0, newMemStore(t), bucket.Config{})
	require.NoError(t, err)

	all := reg.All()
	assert.Len(t, all, 2)

	var sawMaster bool
	for _, tbl := range all {
		if IsMaster(tbl.ID) {
			sawMaster = true
		}
	}
	assert.True(t, sawMaster)
}

func TestTableIDReusesContentQuerySpace(t *testing.T) {
	var q content.Query
	q[0] = 42
	var id ID = q
	assert.Equal(t, q, id)
}
