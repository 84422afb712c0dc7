package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/config"
	"github.com/netmesh/overlay/content"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/engine"
	"github.com/netmesh/overlay/dht/table"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Datastore.Backend = "memory"
	return cfg
}

func TestNewWiresEveryJoinedSubsystem(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })

	assert.NotEqual(t, "", n.Self().String())
	assert.NotNil(t, n.Manager())
	assert.NotNil(t, n.Store())
	assert.NotNil(t, n.Router())
	assert.NotNil(t, n.Registry())
	assert.NotNil(t, n.Engine())

	master, ok := n.Registry().Lookup(table.Master)
	require.True(t, ok)
	assert.Same(t, n.Store(), master.Store)

	assert.NotNil(t, n.dhtMaintainer)
	assert.Len(t, n.bucketMaintainers, len(n.Registry().All()))
}

func TestGetFindsLocallyStoredEntry(t *testing.T) {
	n, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })

	payload := []byte("a locally published block")
	var key content.Query
	copy(key[:], []byte("deterministic-test-query-key-32"))
	entry := datastore.Entry{
		Key:        key,
		Type:       content.TypeData,
		Priority:   1,
		Anonymity:  0,
		Expiration: time.Now().Add(time.Hour),
		Payload:    payload,
	}
	inserted, err := n.Store().Put(entry)
	require.NoError(t, err)
	require.True(t, inserted)

	done := make(chan []engine.GetResult, 1)
	n.Engine().Get(context.Background(), table.Master, key, 1, n.clk.Now().Add(200*time.Millisecond),
		func(results []engine.GetResult, timedOut bool) {
			done <- results
		})

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, n.Self(), results[0].Peer)
		assert.Equal(t, payload, results[0].Entry.Payload)
	case <-time.After(time.Second):
		t.Fatal("get did not complete in time")
	}
}

func TestLoadOrGenerateIdentityPersistsAndReloads(t *testing.T) {
	seedFile := filepath.Join(t.TempDir(), "node.seed")

	cfg1 := config.IdentityConfig{SeedFile: seedFile}
	_, _, id1, err := loadOrGenerateIdentity(cfg1)
	require.NoError(t, err)

	_, _, id2, err := loadOrGenerateIdentity(cfg1)
	require.NoError(t, err)

	assert.True(t, id1.Equal(id2))
}

func TestLoadOrGenerateIdentityEphemeralWhenNoSeedFile(t *testing.T) {
	_, _, id1, err := loadOrGenerateIdentity(config.IdentityConfig{})
	require.NoError(t, err)
	_, _, id2, err := loadOrGenerateIdentity(config.IdentityConfig{})
	require.NoError(t, err)
	assert.False(t, id1.Equal(id2))
}

func TestBuildBackendRejectsUnknownKind(t *testing.T) {
	_, err := buildBackend(config.DatastoreConfig{Backend: "postgres"})
	assert.Error(t, err)
}

func TestBuildBackendRequiresPathForLevelDB(t *testing.T) {
	_, err := buildBackend(config.DatastoreConfig{Backend: "leveldb"})
	assert.Error(t, err)
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := parseLevel("verbose")
	assert.Error(t, err)
}
