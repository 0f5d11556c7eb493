package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), TracingConfig{
		ServiceName:    "datapm-test",
		ServiceVersion: "test",
		Writer:         &buf,
	})
	require.NoError(t, err)

	err = Trace(context.Background(), "fetch.commit", func(ctx context.Context) error {
		_, span := StartSpan(ctx, "fetch.stream")
		span.SetAttribute("stream", "orders.jsonl")
		span.SetAttribute("records", 12)
		span.Finish(nil)
		return errors.New("commit failed")
	})
	assert.EqualError(t, err, "commit failed")

	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "fetch.commit")
	assert.Contains(t, out, "fetch.stream")
	assert.Contains(t, out, "orders.jsonl")
	assert.Contains(t, out, "commit failed")
}

func TestTraceWithoutInit(t *testing.T) {
	called := false
	err := Trace(context.Background(), "noop", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}
