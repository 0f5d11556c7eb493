package jsonl

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/json"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

const lines = `{"id": 1, "name": "a"}
{"id": 2, "name": "b"}

{"id": 3, "name": "c"}
`

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func settings(cfg map[string]interface{}) core.Settings {
	return core.NewSettings(nil, nil, cfg)
}

func drain(t *testing.T, stream *source.RecordStream) []models.RecordContext {
	t.Helper()
	var out []models.RecordContext
	for batch := range stream.Batches {
		out = append(out, batch...)
	}
	for err := range stream.Errors {
		require.NoError(t, err)
	}
	return out
}

func TestStreamSets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "users.jsonl", []byte(lines))
	writeFile(t, dir, "orders.json", []byte(`[{"id": 1}]`))

	src := NewJSONLSource()
	sets, err := src.StreamSets(context.Background(), settings(map[string]interface{}{"path": dir}))
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "default", sets[0].Slug)
	require.Len(t, sets[0].Streams, 2)

	orders, users := sets[0].Streams[0], sets[0].Streams[1]
	assert.Equal(t, "orders", orders.Slug)
	assert.Equal(t, int64(0), orders.ExpectedRecords)
	assert.Equal(t, "users", users.Slug)
	assert.Equal(t, int64(4), users.ExpectedRecords)
	assert.Equal(t, int64(len(lines)), users.ExpectedBytes)

	sum := sha256.Sum256([]byte(lines))
	assert.Equal(t, hex.EncodeToString(sum[:]), users.UpdateHash)
}

func TestStreamSetsNoMatch(t *testing.T) {
	src := NewJSONLSource()
	_, err := src.StreamSets(context.Background(), settings(map[string]interface{}{
		"path": filepath.Join(t.TempDir(), "*.jsonl"),
	}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestValidate(t *testing.T) {
	src := NewJSONLSource()
	err := src.Validate(settings(nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = src.Validate(settings(map[string]interface{}{"path": "x", "format": "xml"}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.NoError(t, src.Validate(settings(map[string]interface{}{"path": "x"})))
}

func TestOpenStreamLines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "users.jsonl", []byte(lines))

	var started []string
	var received int64
	src := NewJSONLSource()
	stream, err := src.OpenStream(context.Background(), source.OpenRequest{
		Settings:      settings(map[string]interface{}{"path": path, "batchSize": 2}),
		StreamSetSlug: "default",
		StreamSlug:    "users",
		Callbacks: source.Callbacks{
			OnStreamStart:   func(_, stream string) { started = append(started, stream) },
			OnBytesReceived: func(n int64) { received += n },
		},
	})
	require.NoError(t, err)

	records := drain(t, stream)
	require.Len(t, records, 3)
	for i, rc := range records {
		assert.Equal(t, int64(i), rc.Offset)
		assert.Equal(t, "users", rc.SchemaSlug)
		assert.Equal(t, "default", rc.StreamSetSlug)
		assert.Equal(t, "users", rc.StreamSlug)
		assert.False(t, rc.ReceivedDate.IsZero())
	}
	assert.Equal(t, json.Number("3"), records[2].Record["id"])
	assert.Equal(t, []string{"users"}, started)
	assert.Equal(t, int64(len(lines)), received)
}

func TestOpenStreamResumeAfter(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "users.jsonl", []byte(lines))

	after := int64(0)
	stream, err := NewJSONLSource().OpenStream(context.Background(), source.OpenRequest{
		Settings:      settings(map[string]interface{}{"path": path}),
		StreamSetSlug: "default",
		StreamSlug:    "users",
		After:         &after,
	})
	require.NoError(t, err)

	records := drain(t, stream)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Offset)
	assert.Equal(t, "b", records[0].Record["name"])
}

func TestOpenStreamArrayGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`  [{"kind": "cat", "n": 1}, {"kind": "dog", "n": 2}, {"n": 3}]`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	writeFile(t, dir, "pets.json.gz", buf.Bytes())

	src := NewJSONLSource()
	cfg := map[string]interface{}{"path": filepath.Join(dir, "*.gz"), "schemaProperty": "kind"}
	sets, err := src.StreamSets(context.Background(), settings(cfg))
	require.NoError(t, err)
	require.Len(t, sets[0].Streams, 1)
	assert.Equal(t, "pets", sets[0].Streams[0].Slug)

	stream, err := src.OpenStream(context.Background(), source.OpenRequest{
		Settings:      settings(cfg),
		StreamSetSlug: "default",
		StreamSlug:    "pets",
	})
	require.NoError(t, err)

	records := drain(t, stream)
	require.Len(t, records, 3)
	assert.Equal(t, "cat", records[0].SchemaSlug)
	assert.Equal(t, "dog", records[1].SchemaSlug)
	assert.Equal(t, "pets", records[2].SchemaSlug)
}

func TestOpenStreamInvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.jsonl", []byte("{\"a\": 1}\nnot json\n"))

	stream, err := NewJSONLSource().OpenStream(context.Background(), source.OpenRequest{
		Settings:      settings(map[string]interface{}{"path": path, "format": "lines"}),
		StreamSetSlug: "default",
		StreamSlug:    "bad",
	})
	require.NoError(t, err)

	var n int
	for batch := range stream.Batches {
		n += len(batch)
	}
	err = <-stream.Errors
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Equal(t, 0, n)
}

func TestOpenStreamUnknownStream(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "users.jsonl", []byte(lines))

	_, err := NewJSONLSource().OpenStream(context.Background(), source.OpenRequest{
		Settings:      settings(map[string]interface{}{"path": path}),
		StreamSetSlug: "default",
		StreamSlug:    "nope",
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestStreamSlug(t *testing.T) {
	assert.Equal(t, "a", StreamSlug("/x/a.jsonl"))
	assert.Equal(t, "a", StreamSlug("a.ndjson.zst"))
	assert.Equal(t, "a", StreamSlug("a.JSON"))
	assert.Equal(t, "a.txt", StreamSlug("a.txt"))
}
