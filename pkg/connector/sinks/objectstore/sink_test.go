package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/compression"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

var stateKey = sink.StateKey{CatalogSlug: "cat", PackageSlug: "pkg", MajorVersion: 1}

func records(n int) []models.RecordContext {
	out := make([]models.RecordContext, n)
	for i := range out {
		out[i] = models.RecordContext{
			SchemaSlug:    "people",
			StreamSetSlug: "default",
			StreamSlug:    "people",
			Offset:        int64(i),
			Record:        map[string]interface{}{"id": int64(i), "name": fmt.Sprintf("name-%d", i)},
		}
	}
	return out
}

func runWriter(t *testing.T, w *sink.Writable, groups ...[]models.RecordContext) []models.RecordContext {
	t.Helper()
	ctx := context.Background()

	in := make(chan []models.RecordContext, len(groups))
	for _, g := range groups {
		in <- g
	}
	close(in)

	var feed <-chan []models.RecordContext = in
	for _, stage := range w.PreStages {
		next := make(chan []models.RecordContext, 16)
		go func(stage sink.Stage, src <-chan []models.RecordContext) {
			_ = stage.Run(ctx, src, next)
		}(stage, feed)
		feed = next
	}

	out := make(chan models.RecordContext, 64)
	require.NoError(t, w.Writer.Run(ctx, feed, out))
	var forwarded []models.RecordContext
	for rc := range out {
		forwarded = append(forwarded, rc)
	}
	return forwarded
}

func localSettings(dir string, cfg map[string]interface{}) core.Settings {
	return core.NewSettings(map[string]interface{}{"path": dir}, nil, cfg)
}

func TestLocalSinkJSONLCommit(t *testing.T) {
	dir := t.TempDir()
	s := NewLocal()
	settings := localSettings(dir, map[string]interface{}{"partSize": 64})
	require.NoError(t, s.Validate(settings))
	assert.False(t, s.IsStronglyTyped(settings))

	w, err := s.Writable(context.Background(), sink.WritableRequest{
		SchemaSlug: "people",
		Schema:     schema.NewSchemaDescriptor("people"),
		Settings:   settings,
		StateKey:   stateKey,
		RunID:      "run1",
	})
	require.NoError(t, err)
	assert.Contains(t, w.OutputLocation, "cat/pkg/v1/data/people")

	recs := records(10)
	forwarded := runWriter(t, w, recs[:4], recs[4:])
	require.NotEmpty(t, forwarded)
	assert.Equal(t, int64(9), forwarded[len(forwarded)-1].Offset)
	for i := 1; i < len(forwarded); i++ {
		assert.Greater(t, forwarded[i].Offset, forwarded[i-1].Offset)
	}

	keys := w.CommitKeys()
	assert.Len(t, keys, len(forwarded))

	state := sink.NewState("1.0.0")
	state.Stream("default", "people").StreamOffset = 9
	require.NoError(t, s.CommitAfterWrites(context.Background(), sink.CommitRequest{
		Settings:   settings,
		CommitKeys: keys,
		StateKey:   stateKey,
		NewState:   state,
	}))

	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	staged, err := store.List(context.Background(), "cat/pkg/v1/_staging/")
	require.NoError(t, err)
	assert.Empty(t, staged)

	parts, err := store.List(context.Background(), "cat/pkg/v1/data/people/")
	require.NoError(t, err)
	require.Len(t, parts, len(keys))

	var all []string
	for _, p := range parts {
		data, err := store.Get(context.Background(), p)
		require.NoError(t, err)
		all = append(all, strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")...)
	}
	assert.Len(t, all, 10)

	loaded, err := s.SinkState(context.Background(), sink.StateRequest{Settings: settings, StateKey: stateKey})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(9), loaded.Lookup("default", "people").StreamOffset)
}

func TestLocalSinkStateAbsent(t *testing.T) {
	s := NewLocal()
	state, err := s.SinkState(context.Background(), sink.StateRequest{
		Settings: localSettings(t.TempDir(), nil),
		StateKey: stateKey,
	})
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestLocalSinkReplaceExistingData(t *testing.T) {
	dir := t.TempDir()
	s := NewLocal()
	settings := localSettings(dir, map[string]interface{}{"compression": "gzip"})
	ctx := context.Background()

	commit := func(runID string, replace bool) {
		w, err := s.Writable(ctx, sink.WritableRequest{
			SchemaSlug: "people",
			Schema:     schema.NewSchemaDescriptor("people"),
			Settings:   settings,
			StateKey:   stateKey,
			RunID:      runID,
		})
		require.NoError(t, err)
		runWriter(t, w, records(3))
		require.NoError(t, s.CommitAfterWrites(ctx, sink.CommitRequest{
			Settings:            settings,
			CommitKeys:          w.CommitKeys(),
			StateKey:            stateKey,
			ReplaceExistingData: replace,
		}))
	}

	commit("a", false)
	commit("b", false)
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	parts, err := store.List(ctx, "cat/pkg/v1/data/people/")
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	commit("c", true)
	parts, err = store.List(ctx, "cat/pkg/v1/data/people/")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.True(t, strings.HasSuffix(parts[0], "part-c-00001.jsonl.gz"))

	data, err := store.Get(ctx, parts[0])
	require.NoError(t, err)
	r, err := compression.NewReader(compression.Gzip, bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(plain), "\n"))
}

func TestLocalSinkAvro(t *testing.T) {
	engine := schema.NewEngine()
	recs := records(5)
	engine.Process(recs)
	desc := engine.Finish()["people"]

	dir := t.TempDir()
	s := NewLocal()
	settings := localSettings(dir, map[string]interface{}{"format": "avro", "partRecords": 2})
	assert.True(t, s.IsStronglyTyped(settings))

	w, err := s.Writable(context.Background(), sink.WritableRequest{
		SchemaSlug: "people",
		Schema:     desc,
		Settings:   settings,
		StateKey:   stateKey,
		RunID:      "r",
	})
	require.NoError(t, err)
	require.Len(t, w.PreStages, 1)

	forwarded := runWriter(t, w, recs)
	var offsets []int64
	for _, rc := range forwarded {
		offsets = append(offsets, rc.Offset)
	}
	assert.Equal(t, []int64{1, 3, 4}, offsets)

	keys := w.CommitKeys()
	require.Len(t, keys, 3)
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	data, err := store.Get(context.Background(), keys[0][keyStaged].(string))
	require.NoError(t, err)

	reader, err := goavro.NewOCFReader(bytes.NewReader(data))
	require.NoError(t, err)
	var got []map[string]interface{}
	for reader.Scan() {
		datum, err := reader.Read()
		require.NoError(t, err)
		got = append(got, datum.(map[string]interface{}))
	}
	require.Len(t, got, 2)
	assert.Equal(t, map[string]interface{}{"long": int64(1)}, got[1]["id"])
	assert.Equal(t, map[string]interface{}{"string": "name-1"}, got[1]["name"])
}

func TestValidate(t *testing.T) {
	s := NewLocal()
	err := s.Validate(core.NewSettings(nil, nil, nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = s.Validate(localSettings("x", map[string]interface{}{"format": "parquet"}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	err = s.Validate(localSettings("x", map[string]interface{}{"format": "avro", "compression": "lz4"}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.NoError(t, NewS3().Validate(core.NewSettings(map[string]interface{}{"bucket": "b"}, nil, nil)))
}

func TestAvroName(t *testing.T) {
	assert.Equal(t, "first_name", avroName("first name"))
	assert.Equal(t, "_1st", avroName("1st"))
	assert.Equal(t, "_", avroName(""))
}
