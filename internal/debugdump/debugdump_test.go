package debugdump

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/connmgr"
	"github.com/netmesh/overlay/datastore"
	"github.com/netmesh/overlay/dht/bucket"
	"github.com/netmesh/overlay/dht/table"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
)

func testRegistry(t *testing.T) (*connmgr.Manager, *table.Registry, *metrics.Registry) {
	t.Helper()
	logger := log.New(io.Discard, log.LevelError)
	reg := metrics.NewRegistry()
	clk := scheduler.System{}

	mgr := connmgr.New(connmgr.Config{}, clk, logger, reg)

	backend := datastore.NewMemoryBackend()
	store, err := datastore.NewStore(backend, datastore.Config{QuotaBytes: 1024, ExpectedEntries: 64})
	require.NoError(t, err)

	var self identity.ID
	tableRegistry := table.NewRegistry(self, store, bucket.Config{})
	return mgr, tableRegistry, reg
}

func TestRenderProducesAllThreeSections(t *testing.T) {
	mgr, tableRegistry, reg := testRegistry(t)
	reg.Counter("node/test/counter").Inc(3)

	var buf bytes.Buffer
	Render(&buf, reg, mgr, tableRegistry)

	out := buf.String()
	assert.Contains(t, out, "metrics")
	assert.Contains(t, out, "sessions")
	assert.Contains(t, out, "dht tables")
	assert.Contains(t, out, "node/test/counter")
	assert.Contains(t, out, "master")
}

func TestRenderHandlesEmptyRegistryWithoutPanicking(t *testing.T) {
	mgr, tableRegistry, reg := testRegistry(t)
	var buf bytes.Buffer
	assert.NotPanics(t, func() {
		Render(&buf, reg, mgr, tableRegistry)
	})
}
