package packager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/config"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	memsource "github.com/big-armor/datapm-sub007/pkg/connector/sources/memory"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/labels"
	"github.com/big-armor/datapm-sub007/pkg/pkgfile"
	"github.com/big-armor/datapm-sub007/pkg/schema"
)

var fixed = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func contacts() memsource.StreamSet {
	return memsource.StreamSet{Slug: "default", Streams: []memsource.Stream{{
		Slug:       "contacts.jsonl",
		SchemaSlug: "contacts",
		Batches: [][]map[string]interface{}{
			{
				{"name": "Ada", "email": "ada@example.com", "age": 36},
				{"name": "Alan", "email": "alan@example.com", "age": 41},
			},
			{
				{"name": "Grace", "email": "grace@example.com", "age": "85"},
			},
		},
	}}}
}

func newPackager() *Packager {
	cfg := config.NewRunConfig()
	cfg.Labels.Seed = 7
	return New(WithRunConfig(cfg), WithClock(func() time.Time { return fixed }))
}

func request(set memsource.StreamSet) Request {
	return Request{
		CatalogSlug:    "acme",
		PackageSlug:    "contacts",
		Source:         memsource.NewSource(set),
		SourceSettings: core.NewSettings(map[string]interface{}{"path": "contacts.jsonl"}, nil, nil),
	}
}

func TestRunNewPackage(t *testing.T) {
	res, err := newPackager().Run(context.Background(), request(contacts()))
	require.NoError(t, err)

	pkg := res.Package
	assert.Equal(t, DefaultVersion, pkg.Version)
	assert.Equal(t, "contacts", pkg.DisplayName)
	assert.Equal(t, fixed, pkg.UpdatedDate)
	assert.Equal(t, int64(3), res.RecordsRead)

	desc := pkg.Schema("contacts")
	require.NotNil(t, desc)
	assert.Equal(t, int64(3), desc.RecordCount)
	assert.Equal(t, []string{"age", "email", "name"}, desc.PropertyNames())
	assert.True(t, desc.Properties["email"].HasLabel(labels.LabelEmailAddress))
	assert.True(t, desc.Properties["age"].HasLabel(labels.LabelAge))
	assert.Equal(t, []schema.ValueType{schema.Integer}, desc.Properties["age"].NonNullTypes())

	require.Len(t, pkg.Sources, 1)
	src := pkg.Sources[0]
	assert.Equal(t, memsource.SourceType, src.Type)
	assert.Equal(t, "contacts.jsonl", src.Connection["path"])
	require.Len(t, src.StreamSets, 1)
	assert.Equal(t, []string{"contacts"}, src.StreamSets[0].SchemaSlugs)
	assert.Equal(t, 1, src.StreamSets[0].StreamCount)
	assert.Equal(t, int64(3), src.StreamSets[0].ExpectedRecords)
}

func TestRunBumpsVersionFromPrior(t *testing.T) {
	first, err := newPackager().Run(context.Background(), request(contacts()))
	require.NoError(t, err)
	prior := first.Package
	prior.Version = "1.4.2"
	prior.DisplayName = "Contacts"

	name := prior.Schema("contacts").Properties["name"]
	name.ContentLabels = append(name.ContentLabels, schema.ContentLabel{Label: "person_name", Occurrences: 1, ValuesTested: 1})

	t.Run("unchanged", func(t *testing.T) {
		req := request(contacts())
		req.Prior = prior
		res, err := newPackager().Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, pkgfile.NoChange, res.Change)
		assert.Equal(t, "1.4.3", res.Package.Version)
		assert.Equal(t, "Contacts", res.Package.DisplayName)
		assert.True(t, res.Package.Schema("contacts").Properties["name"].HasLabel("person_name"))
	})

	t.Run("additive", func(t *testing.T) {
		set := contacts()
		set.Streams[0].Batches = append(set.Streams[0].Batches, []map[string]interface{}{
			{"name": "Edsger", "email": "edsger@example.com", "age": 72, "city": "Austin"},
		})
		req := request(set)
		req.Prior = prior
		res, err := newPackager().Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, pkgfile.Additive, res.Change)
		assert.Equal(t, "1.5.0", res.Package.Version)
	})

	t.Run("breaking", func(t *testing.T) {
		set := contacts()
		set.Streams[0].Batches = [][]map[string]interface{}{{{"name": "Ada"}}}
		req := request(set)
		req.Prior = prior
		res, err := newPackager().Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, pkgfile.Breaking, res.Change)
		assert.Equal(t, "2.0.0", res.Package.Version)
		assert.Equal(t, 2, res.Package.MajorVersion())
	})
}

func TestRunMaxRecords(t *testing.T) {
	req := request(contacts())
	req.MaxRecords = 2
	res, err := newPackager().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RecordsRead)
	assert.Equal(t, int64(2), res.Package.Schema("contacts").RecordCount)
}

func TestRunLabelsDisabled(t *testing.T) {
	cfg := config.NewRunConfig()
	cfg.Labels.Disabled = true
	res, err := New(WithRunConfig(cfg)).Run(context.Background(), request(contacts()))
	require.NoError(t, err)
	assert.Empty(t, res.Package.Schema("contacts").Properties["email"].ContentLabels)
}

func TestRunRequiresSlugs(t *testing.T) {
	req := request(contacts())
	req.PackageSlug = ""
	_, err := newPackager().Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
