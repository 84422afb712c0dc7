package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevelFiltering(t *testing.T) {
	out := new(bytes.Buffer)
	logger := New(out, LevelInfo)
	logger.Debug("hidden", "x", 1)
	assert.Empty(t, out.String())

	logger.Info("visible", "x", 1)
	assert.Contains(t, out.String(), "visible")
	assert.Contains(t, out.String(), "x=1")
}

func TestLoggerWithAddsStaticContext(t *testing.T) {
	out := new(bytes.Buffer)
	logger := New(out, LevelTrace).With("component", "dht")
	logger.Info("bucket refreshed")
	line := out.String()
	assert.True(t, strings.Contains(line, "component=dht"))
}

func TestCritAttachesStack(t *testing.T) {
	out := new(bytes.Buffer)
	logger := New(out, LevelTrace)
	logger.Crit("invariant violated")
	assert.Contains(t, out.String(), "stack=")
}
