package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestInitReplacesGlobal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, Init(Config{Level: "warn", OutputPaths: []string{out}}))
	l := Get()
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
	require.NoError(t, Init(Config{Level: "debug", Encoding: "console", OutputPaths: []string{out}}))
	assert.NotSame(t, l, Get())
	assert.True(t, Get().Core().Enabled(zapcore.DebugLevel))
}

func TestFromContextAddsCarriedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).With(zap.String("sink", "file"))

	ctx := ContextWith(context.Background(), JobIDKey, "run-1")
	FromContext(ctx, base).Info("opened")
	FromContext(ContextWith(ctx, SchemaKey, "people"), base).Info("staged")
	FromContext(context.Background(), base).Info("plain")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, map[string]interface{}{"sink": "file", "job_id": "run-1"}, entries[0].ContextMap())
	assert.Equal(t, map[string]interface{}{"sink": "file", "job_id": "run-1", "schema": "people"}, entries[1].ContextMap())
	assert.Equal(t, map[string]interface{}{"sink": "file"}, entries[2].ContextMap())
}

func TestWithAttachesFieldsToGlobal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, Init(Config{Level: "info", OutputPaths: []string{out}}))
	l := With(zap.String("component", "test"))
	assert.NotSame(t, Get(), l)
	assert.True(t, WithContext(ContextWith(context.Background(), SchemaKey, "s")).Core().Enabled(zapcore.InfoLevel))
}
