// Package postgres stages rows in per-run tables with COPY and promotes
// them into the target tables in one transaction on commit.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// SinkType is the registry identifier of this sink
const SinkType = "postgres"

const undefinedTable = "42P01"

// Config is decoded from the merged sink settings
type Config struct {
	ConnectionString string        `mapstructure:"connectionString"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Database         string        `mapstructure:"database"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	SSLMode          string        `mapstructure:"sslMode"`
	Schema           string        `mapstructure:"schema"`
	TablePrefix      string        `mapstructure:"tablePrefix"`
	StateTable       string        `mapstructure:"stateTable"`
	BatchSize        int           `mapstructure:"batchSize"`
	BatchDelay       time.Duration `mapstructure:"batchDelay"`
	MaxConns         int32         `mapstructure:"maxConns"`
}

// DSN renders the connection string
func (c *Config) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// PostgresSink implements sink.Sink
type PostgresSink struct {
	logger *zap.Logger
}

func NewPostgresSink() *PostgresSink {
	return &PostgresSink{logger: logger.With(zap.String("sink", SinkType))}
}

func (s *PostgresSink) Type() string { return SinkType }

func (s *PostgresSink) config(settings core.Settings) (*Config, error) {
	cfg := &Config{Port: 5432, SSLMode: "prefer", Schema: "public"}
	if err := settings.Merged().Decode(cfg); err != nil {
		return nil, err
	}
	if cfg.ConnectionString == "" && (cfg.Host == "" || cfg.Database == "") {
		return nil, errors.New(errors.ErrorTypeConfig, "connectionString or host and database are required")
	}
	if cfg.StateTable == "" {
		cfg.StateTable = tabular.DefaultStateTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	return cfg, nil
}

func (s *PostgresSink) Validate(settings core.Settings) error {
	_, err := s.config(settings)
	return err
}

func (s *PostgresSink) IsStronglyTyped(core.Settings) bool { return true }

func (s *PostgresSink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream, sink.PerStreamSet},
	}
}

func (s *PostgresSink) connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	poolConfig.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}
	return pool, nil
}

// qualified returns a schema-qualified, sanitized table reference
func qualified(cfg *Config, table string) string {
	return pgx.Identifier{cfg.Schema, table}.Sanitize()
}

// TableName is the target table of a schema slug
func TableName(cfg *Config, schemaSlug string) string {
	return tabular.Identifier(cfg.TablePrefix + schemaSlug)
}

// Writable creates the target and staging tables and returns a writer that
// copies each record group into the staging table.
func (s *PostgresSink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	cols := tabular.Columns(req.Schema)
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "schema has no properties").
			WithDetail("schema", req.SchemaSlug)
	}

	pool, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	table := TableName(cfg, req.SchemaSlug)
	staging := tabular.StagingTable(table, req.RunID)
	for _, stmt := range prepareStatements(cfg, table, staging, cols) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to prepare tables").
				WithDetail("table", table)
		}
	}

	log := s.logger.With(zap.String("schema", req.SchemaSlug), zap.String("table", table))
	names := tabular.Names(cols)
	flush := func(ctx context.Context, group []models.RecordContext) error {
		rows := make([][]interface{}, len(group))
		for i, rc := range group {
			rows[i] = tabular.Values(cols, rc.Record)
		}
		n, err := pool.CopyFrom(ctx, pgx.Identifier{cfg.Schema, staging}, names, pgx.CopyFromRows(rows))
		if err != nil {
			return err
		}
		log.Debug("copied rows to staging", zap.Int64("rows", n))
		return nil
	}

	return &sink.Writable{
		Writer: sink.NewGroupWriter(flush,
			sink.WithClose(func(context.Context) error { pool.Close(); return nil }),
			sink.WithWriterLogger(log),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		),
		PreStages:      []sink.Stage{batch.NewObjects[models.RecordContext](cfg.BatchSize, cfg.BatchDelay)},
		OutputLocation: fmt.Sprintf("postgres://%s/%s", cfg.Database, qualified(cfg, table)),
		CommitKeys: func() []sink.CommitKey {
			return []sink.CommitKey{tabular.CommitKey(req.SchemaSlug, table, staging, names)}
		},
	}, nil
}

// prepareStatements creates the target table, adds columns first seen in
// this run and recreates an empty staging table.
func prepareStatements(cfg *Config, table, staging string, cols []tabular.Column) []string {
	d := tabular.Postgres
	defs := make([]string, len(cols))
	stmts := []string{fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{cfg.Schema}.Sanitize())}
	for i, c := range cols {
		defs[i] = d.Quote(c.Name) + " " + d.ColumnType(c.Type)
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified(cfg, table), strings.Join(defs, ", ")))
	for _, def := range defs {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", qualified(cfg, table), def))
	}
	stmts = append(stmts,
		fmt.Sprintf("DROP TABLE IF EXISTS %s", qualified(cfg, staging)),
		fmt.Sprintf("CREATE TABLE %s (%s)", qualified(cfg, staging), strings.Join(defs, ", ")),
	)
	return stmts
}

// CommitAfterWrites promotes every staging table and upserts the state row
// in a single transaction.
func (s *PostgresSink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	pool, err := s.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cleared := make(map[string]bool)
	for _, key := range req.CommitKeys {
		st, err := tabular.ParseCommitKey(key)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "invalid commit key")
		}
		if req.ReplaceExistingData && !cleared[st.Table] {
			if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+qualified(cfg, st.Table)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to truncate table").WithDetail("table", st.Table)
			}
			cleared[st.Table] = true
		}
		tag, err := tx.Exec(ctx, promoteStatement(cfg, st))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to promote staged rows").WithDetail("table", st.Table)
		}
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+qualified(cfg, st.Staging)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to drop staging table").WithDetail("table", st.Staging)
		}
		s.logger.Debug("promoted staged rows", zap.String("table", st.Table), zap.Int64("rows", tag.RowsAffected()))
	}

	if req.NewState != nil {
		data, err := sink.MarshalState(req.NewState)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
		}
		stateTable := qualified(cfg, cfg.StateTable)
		if _, err := tx.Exec(ctx, createStateTable(stateTable)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create state table")
		}
		if _, err := tx.Exec(ctx, upsertState(stateTable),
			req.StateKey.CatalogSlug, req.StateKey.PackageSlug, req.StateKey.MajorVersion, string(data)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to commit transaction")
	}
	logger.FromContext(ctx, s.logger).Info("commit completed", zap.String("package", req.StateKey.String()), zap.Int("tables", len(req.CommitKeys)))
	return nil
}

func promoteStatement(cfg *Config, st tabular.Staged) string {
	cols := make([]string, len(st.Columns))
	for i, c := range st.Columns {
		cols[i] = pgx.Identifier{c}.Sanitize()
	}
	list := strings.Join(cols, ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", qualified(cfg, st.Table), list, list, qualified(cfg, st.Staging))
}

func createStateTable(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (catalog_slug TEXT NOT NULL, package_slug TEXT NOT NULL, "+
		"major_version INTEGER NOT NULL, state JSONB NOT NULL, PRIMARY KEY (catalog_slug, package_slug, major_version))", table)
}

func upsertState(table string) string {
	return fmt.Sprintf("INSERT INTO %s (catalog_slug, package_slug, major_version, state) VALUES ($1, $2, $3, $4) "+
		"ON CONFLICT (catalog_slug, package_slug, major_version) DO UPDATE SET state = EXCLUDED.state", table)
}

// SinkState reads the state row; a missing table or row means no state
func (s *PostgresSink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	pool, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	query := fmt.Sprintf("SELECT state::text FROM %s WHERE catalog_slug = $1 AND package_slug = $2 AND major_version = $3",
		qualified(cfg, cfg.StateTable))
	var data string
	err = pool.QueryRow(ctx, query, req.StateKey.CatalogSlug, req.StateKey.PackageSlug, req.StateKey.MajorVersion).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}

	state, err := sink.UnmarshalState([]byte(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode state")
	}
	return state, nil
}
