package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

func TestOpenStreamResumes(t *testing.T) {
	src := NewSource(StreamSet{Slug: "set", Streams: []Stream{{
		Slug:       "s",
		SchemaSlug: "people",
		Batches: [][]map[string]interface{}{
			{{"n": 0}, {"n": 1}},
			{{"n": 2}},
		},
	}}})

	sets, err := src.StreamSets(context.Background(), core.Settings{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sets[0].ExpectedRecords())

	after := int64(0)
	rs, err := src.OpenStream(context.Background(), source.OpenRequest{StreamSetSlug: "set", StreamSlug: "s", After: &after})
	require.NoError(t, err)

	var offsets []int64
	for b := range rs.Batches {
		for _, rc := range b {
			assert.Equal(t, "people", rc.SchemaSlug)
			offsets = append(offsets, rc.Offset)
		}
	}
	require.NoError(t, <-rs.Errors)
	assert.Equal(t, []int64{1, 2}, offsets)

	_, err = src.OpenStream(context.Background(), source.OpenRequest{StreamSetSlug: "set", StreamSlug: "x"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
