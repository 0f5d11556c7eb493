package bigquery

import (
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func TestConfig(t *testing.T) {
	s := NewBigQuerySink()

	err := s.Validate(core.NewSettings(map[string]interface{}{"projectId": "p"}, nil, nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg, err := s.config(core.NewSettings(
		map[string]interface{}{"projectId": "acme", "dataset": "raw"},
		map[string]interface{}{"credentialsFile": "/keys/sa.json"},
		map[string]interface{}{"batchDelay": "250ms"},
	))
	require.NoError(t, err)
	assert.Equal(t, "/keys/sa.json", cfg.CredentialsFile)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchDelay)
	assert.Equal(t, tabular.DefaultStateTable, cfg.StateTable)

	opts := s.SupportedStreamOptions(core.Settings{}, nil)
	assert.True(t, opts.Supports(sink.BatchFullSet))
	assert.False(t, opts.Supports(sink.CDCUpsertFullSet))
}

func TestTableSchema(t *testing.T) {
	cols := []tabular.Column{
		{Name: "active", Type: schema.Boolean},
		{Name: "born", Type: schema.Date},
		{Name: "count", Type: schema.Integer},
		{Name: "score", Type: schema.Number},
		{Name: "seen", Type: schema.DateTime},
		{Name: "tags", Type: schema.Array},
	}
	got := TableSchema(cols)
	require.Len(t, got, 6)

	types := make([]bigquery.FieldType, len(got))
	for i, f := range got {
		types[i] = f.Type
		assert.False(t, f.Required)
	}
	assert.Equal(t, []bigquery.FieldType{
		bigquery.BooleanFieldType,
		bigquery.DateFieldType,
		bigquery.IntegerFieldType,
		bigquery.FloatFieldType,
		bigquery.TimestampFieldType,
		bigquery.StringFieldType,
	}, types)
}

func TestRowSave(t *testing.T) {
	cols := []tabular.Column{
		{Property: "Name", Name: "name", Type: schema.String},
		{Property: "born", Name: "born", Type: schema.Date},
		{Property: "score", Name: "score", Type: schema.Number},
	}
	rc := models.RecordContext{
		StreamSetSlug: "default",
		StreamSlug:    "people",
		Offset:        7,
		Record: map[string]interface{}{
			"Name":  "ada",
			"born":  time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC),
			"score": int64(3),
		},
	}

	r := &row{cols: cols, rc: rc, insertID: insertID("r1", rc)}
	values, id, err := r.Save()
	require.NoError(t, err)
	assert.Equal(t, "r1:default:people:7", id)
	assert.Equal(t, "ada", values["name"])
	assert.Equal(t, "1815-12-10", values["born"])
	assert.Equal(t, float64(3), values["score"])
}

func TestMergeStateSQL(t *testing.T) {
	q := MergeStateSQL("acme", "raw", "_datapm_state")
	assert.Contains(t, q, "MERGE `acme.raw._datapm_state` t")
	assert.Contains(t, q, "WHEN MATCHED THEN UPDATE SET state = @state")

	params := stateParams(sink.StateKey{CatalogSlug: "c", PackageSlug: "p", MajorVersion: 2})
	require.Len(t, params, 3)
	assert.Equal(t, int64(2), params[2].Value)
}
