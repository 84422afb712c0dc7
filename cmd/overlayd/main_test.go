package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/config"
)

func TestLoadConfigFallsBackToDefaultWhenPathEmpty(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlayd.toml")
	require.NoError(t, config.Save(path, config.Default()))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
