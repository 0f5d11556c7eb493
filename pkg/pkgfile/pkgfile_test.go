package pkgfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func sample() *PackageFile {
	people := schema.NewSchemaDescriptor("people")
	name := schema.NewPropertyDescriptor("name")
	name.Types[schema.String] = &schema.ValueTypeStatistics{ValueType: schema.String, RecordCount: 2}
	name.ContentLabels = []schema.ContentLabel{{Label: "person_name", Occurrences: 2, ValuesTested: 2}}
	people.Properties["name"] = name
	people.RecordCount = 2

	p := &PackageFile{
		CatalogSlug: "acme",
		PackageSlug: "people",
		Version:     "2.1.0",
		DisplayName: "People",
		UpdatedDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Sources: []*Source{{
			Type:       "jsonl",
			Config:     map[string]interface{}{"path": "people.jsonl"},
			StreamSets: []StreamSet{{Slug: "default", SchemaSlugs: []string{"people"}, StreamCount: 1}},
		}},
	}
	p.SetSchemas(map[string]*schema.SchemaDescriptor{"people": people})
	return p
}

func TestWriteReadFormats(t *testing.T) {
	for _, name := range []string{"datapm-package.json", "datapm-package.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Write(path, sample()))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, "acme", got.CatalogSlug)
			assert.Equal(t, sink.StateKey{CatalogSlug: "acme", PackageSlug: "people", MajorVersion: 2}, got.StateKey())

			people := got.Schema("people")
			require.NotNil(t, people)
			assert.Equal(t, int64(2), people.RecordCount)
			require.Contains(t, people.Properties, "name")
			assert.True(t, people.Properties["name"].HasLabel("person_name"))
			assert.Equal(t, "people.jsonl", got.Sources[0].Config["path"])
		})
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestValidate(t *testing.T) {
	p := sample()
	p.Version = "two"
	assert.True(t, errors.IsType(p.Validate(), errors.ErrorTypeValidation))

	p = sample()
	p.Schemas = append(p.Schemas, p.Schemas[0])
	assert.Error(t, p.Validate())
}

func TestCompareAndNextVersion(t *testing.T) {
	prior := sample().SchemaMap()

	same := sample().SchemaMap()
	assert.Equal(t, NoChange, Compare(prior, same))

	added := sample().SchemaMap()
	age := schema.NewPropertyDescriptor("age")
	age.Types[schema.Integer] = &schema.ValueTypeStatistics{ValueType: schema.Integer}
	added["people"].Properties["age"] = age
	assert.Equal(t, Additive, Compare(prior, added))

	removed := sample().SchemaMap()
	delete(removed["people"].Properties, "name")
	assert.Equal(t, Breaking, Compare(prior, removed))

	tests := []struct {
		change Change
		want   string
	}{
		{NoChange, "2.1.1"},
		{Additive, "2.2.0"},
		{Breaking, "3.0.0"},
	}
	for _, tt := range tests {
		got, err := NextVersion("2.1.0", tt.change)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.change.String())
	}
}
