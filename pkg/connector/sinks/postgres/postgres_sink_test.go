package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func TestConfig(t *testing.T) {
	s := NewPostgresSink()

	err := s.Validate(core.NewSettings(nil, nil, nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg, err := s.config(core.NewSettings(
		map[string]interface{}{"host": "db", "database": "warehouse"},
		map[string]interface{}{"user": "u", "password": "p"},
		map[string]interface{}{"batchSize": "50", "batchDelay": "2s"},
	))
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 dbname=warehouse user=u password=p sslmode=prefer", cfg.DSN())
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "2s", cfg.BatchDelay.String())
	assert.Equal(t, tabular.DefaultStateTable, cfg.StateTable)
	assert.True(t, s.IsStronglyTyped(core.Settings{}))
	assert.True(t, s.SupportedStreamOptions(core.Settings{}, nil).Supports(sink.AppendOnlyLog))
}

func TestPrepareStatements(t *testing.T) {
	cfg := &Config{Schema: "raw"}
	cols := []tabular.Column{{Name: "id", Type: schema.Integer}, {Name: "at", Type: schema.DateTime}}

	stmts := prepareStatements(cfg, "people", "people_stg_r1", cols)
	assert.Equal(t, []string{
		`CREATE SCHEMA IF NOT EXISTS "raw"`,
		`CREATE TABLE IF NOT EXISTS "raw"."people" ("id" BIGINT, "at" TIMESTAMPTZ)`,
		`ALTER TABLE "raw"."people" ADD COLUMN IF NOT EXISTS "id" BIGINT`,
		`ALTER TABLE "raw"."people" ADD COLUMN IF NOT EXISTS "at" TIMESTAMPTZ`,
		`DROP TABLE IF EXISTS "raw"."people_stg_r1"`,
		`CREATE TABLE "raw"."people_stg_r1" ("id" BIGINT, "at" TIMESTAMPTZ)`,
	}, stmts)
}

func TestPromoteStatement(t *testing.T) {
	cfg := &Config{Schema: "public"}
	stmt := promoteStatement(cfg, tabular.Staged{Table: "people", Staging: "people_stg_r1", Columns: []string{"id", "name"}})
	assert.Equal(t,
		`INSERT INTO "public"."people" ("id", "name") SELECT "id", "name" FROM "public"."people_stg_r1"`,
		stmt)
	assert.Contains(t, upsertState(`"public"."_datapm_state"`), "ON CONFLICT (catalog_slug, package_slug, major_version)")
}

func TestWritableRejectsEmptySchema(t *testing.T) {
	s := NewPostgresSink()
	_, err := s.Writable(context.Background(), sink.WritableRequest{
		Schema:     schema.NewSchemaDescriptor("empty"),
		SchemaSlug: "empty",
		Settings:   core.NewSettings(map[string]interface{}{"connectionString": "postgres://localhost/db"}, nil, nil),
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "dpm_people_v2", TableName(&Config{TablePrefix: "dpm_"}, "people-v2"))
}
