package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func TestConfig(t *testing.T) {
	s := NewMongoDBSink()

	err := s.Validate(core.NewSettings(map[string]interface{}{"uri": "mongodb://db"}, nil, nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg, err := s.config(core.NewSettings(
		map[string]interface{}{"uri": "mongodb://db", "database": "raw"},
		nil,
		map[string]interface{}{"batchSize": 25, "connectTimeout": "3s"},
	))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, defaultStateCollection, cfg.StateCollection)
	assert.False(t, s.IsStronglyTyped(core.Settings{}))
}

func TestDocument(t *testing.T) {
	doc := Document(models.RecordContext{Record: map[string]interface{}{"_id": 4, "name": "ada"}})
	assert.Equal(t, bson.M{"name": "ada"}, doc)
}

func TestCommitCommands(t *testing.T) {
	cmd := RenameCommand("raw", "people_stg_r1", "people")
	assert.Equal(t, "raw.people_stg_r1", cmd[0].Value)
	assert.Equal(t, "raw.people", cmd[1].Value)
	assert.Equal(t, true, cmd[2].Value)

	pipeline := MergePipeline("people")
	require.Len(t, pipeline, 1)
	assert.Equal(t, "$merge", pipeline[0][0].Key)

	doc := stateDocument(sink.StateKey{CatalogSlug: "c", PackageSlug: "p", MajorVersion: 1}, "{}")
	assert.Equal(t, "c/p/v1", doc["_id"])
	assert.Equal(t, "{}", doc["state"])
}
