package sqldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/schema"
)

func TestMySQLDSN(t *testing.T) {
	s := NewMySQLSink()
	assert.Equal(t, "mysql", s.Type())

	cfg, err := s.config(core.NewSettings(
		map[string]interface{}{"host": "db", "database": "warehouse"},
		map[string]interface{}{"user": "loader", "password": "secret"},
		nil,
	))
	require.NoError(t, err)
	dsn, err := s.flavor.dsn(cfg)
	require.NoError(t, err)
	assert.Contains(t, dsn, "loader:secret@tcp(db:3306)/warehouse")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestSnowflakeValidate(t *testing.T) {
	s := NewSnowflakeSink()

	err := s.Validate(core.NewSettings(map[string]interface{}{"account": "acme"}, nil, nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg, err := s.config(core.NewSettings(
		map[string]interface{}{"account": "acme", "database": "DW", "warehouse": "LOAD_WH"},
		map[string]interface{}{"user": "loader", "password": "secret"},
		nil,
	))
	require.NoError(t, err)
	dsn, err := s.flavor.dsn(cfg)
	require.NoError(t, err)
	assert.Contains(t, dsn, "loader:secret@acme")
	assert.Contains(t, dsn, "database=DW")
	assert.Contains(t, dsn, "schema=PUBLIC")
	assert.Contains(t, dsn, "warehouse=LOAD_WH")
}

func TestAddColumnStatements(t *testing.T) {
	cols := []tabular.Column{
		{Name: "id", Type: schema.Integer},
		{Name: "email", Type: schema.String},
		{Name: "score", Type: schema.Number},
	}
	stmts := addColumnStatements(tabular.Snowflake, "people", cols, []string{"ID", "EMAIL"})
	assert.Equal(t, []string{`ALTER TABLE "people" ADD COLUMN "score" FLOAT`}, stmts)

	assert.Empty(t, addColumnStatements(tabular.MySQL, "people", cols, []string{"id", "email", "score"}))
}

func TestStrongTyping(t *testing.T) {
	assert.True(t, NewMySQLSink().IsStronglyTyped(core.Settings{}))
	opts := NewSnowflakeSink().SupportedStreamOptions(core.Settings{}, nil)
	assert.Len(t, opts.UpdateMethods, 2)
}
