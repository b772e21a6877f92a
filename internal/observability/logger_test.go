// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/pagecast/pagecast-cli/internal/config"
)

// syncBuffer is an in-memory WriteSyncer for inspecting log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ zapcore.WriteSyncer = (*syncBuffer)(nil)

func TestInitialize_JSONFormat(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	out := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "pagecast-test"}, out)

	GetLogger().Info("hello from the test")

	logged := out.String()
	assert.Contains(t, logged, `"msg":"hello from the test"`)
	assert.Contains(t, logged, "pagecast-test")
}

func TestInitialize_OnlyFirstCallWins(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &syncBuffer{}
	second := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, first)
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, second)

	GetLogger().Info("routed")

	assert.Contains(t, first.String(), "routed")
	assert.Empty(t, second.String())
}

func TestInitialize_LevelFiltering(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	out := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, out)

	logger := GetLogger()
	logger.Info("too quiet")
	logger.Warn("loud enough")

	logged := out.String()
	assert.NotContains(t, logged, "too quiet")
	assert.Contains(t, logged, "loud enough")
}

func TestInitialize_BadLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	out := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "shouting", Format: "json"}, out)

	logger := GetLogger()
	logger.Debug("hidden")
	logger.Info("visible")

	logged := out.String()
	assert.NotContains(t, logged, "hidden")
	assert.Contains(t, logged, "visible")
}

func TestGetLogger_FallbackBeforeInit(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// The fallback is a named development logger, not the nop logger.
	assert.True(t, strings.Contains(logger.Name(), "fallback") || logger.Name() == "",
		"fallback logger should be usable")
}

func TestConsoleEncoderNamesComponents(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	out := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pagecast"}, out)

	GetLogger().Named("pool").Info("component line")

	assert.Contains(t, out.String(), "pagecast.pool.")
}
