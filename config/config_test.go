package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFillsEveryKnobPackageDoesNotOwn(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Datastore.Backend)
	assert.NotZero(t, cfg.DHT.BucketSize)
	assert.NotZero(t, cfg.DHT.MaintainFrequency)
	assert.NotZero(t, cfg.DHT.Alpha)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Identity.SeedFile = "node.seed"
	cfg.Datastore.Backend = "leveldb"
	cfg.Datastore.Path = "/var/lib/overlay/store"
	cfg.Connmgr.MaxSessions = 256

	path := filepath.Join(t.TempDir(), "overlay.toml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Identity.SeedFile, loaded.Identity.SeedFile)
	assert.Equal(t, cfg.Datastore.Backend, loaded.Datastore.Backend)
	assert.Equal(t, cfg.Datastore.Path, loaded.Datastore.Path)
	assert.Equal(t, cfg.Connmgr.MaxSessions, loaded.Connmgr.MaxSessions)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Datastore]\nBackendTypo = \"memory\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
