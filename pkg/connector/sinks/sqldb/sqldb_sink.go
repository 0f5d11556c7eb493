// Package sqldb implements staged-table sinks over database/sql for MySQL
// and Snowflake.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// maxPlaceholders keeps multi-row inserts below driver parameter limits
const maxPlaceholders = 60000

// Config is decoded from the merged sink settings
type Config struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Account     string        `mapstructure:"account"`
	Database    string        `mapstructure:"database"`
	Schema      string        `mapstructure:"schema"`
	Warehouse   string        `mapstructure:"warehouse"`
	Role        string        `mapstructure:"role"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	TablePrefix string        `mapstructure:"tablePrefix"`
	StateTable  string        `mapstructure:"stateTable"`
	BatchSize   int           `mapstructure:"batchSize"`
	BatchDelay  time.Duration `mapstructure:"batchDelay"`
	MaxConns    int           `mapstructure:"maxConns"`
}

// flavor binds a dialect to its driver
type flavor struct {
	kind         string
	driver       string
	dialect      tabular.Dialect
	require      []string
	dsn          func(*Config) (string, error)
	missingTable func(error) bool
}

// SQLSink implements sink.Sink over one database flavor
type SQLSink struct {
	flavor flavor
	logger *zap.Logger
}

func newSQLSink(f flavor) *SQLSink {
	return &SQLSink{flavor: f, logger: logger.With(zap.String("sink", f.kind))}
}

func (s *SQLSink) Type() string { return s.flavor.kind }

func (s *SQLSink) config(settings core.Settings) (*Config, error) {
	merged := settings.Merged()
	if err := merged.Require(s.flavor.require...); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := merged.Decode(cfg); err != nil {
		return nil, err
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

func (s *SQLSink) Validate(settings core.Settings) error {
	cfg, err := s.config(settings)
	if err != nil {
		return err
	}
	_, err = s.flavor.dsn(cfg)
	return err
}

func (s *SQLSink) IsStronglyTyped(core.Settings) bool { return true }

func (s *SQLSink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream},
	}
}

func (s *SQLSink) connect(ctx context.Context, cfg *Config) (*sql.DB, error) {
	dsn, err := s.flavor.dsn(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(s.flavor.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to connect to %s", s.flavor.kind)
	}
	return db, nil
}

// Writable prepares the target and staging tables and returns a writer
// inserting each record group into the staging table.
func (s *SQLSink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	cols := tabular.Columns(req.Schema)
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "schema has no properties").
			WithDetail("schema", req.SchemaSlug)
	}

	db, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := s.flavor.dialect
	table := tabular.Identifier(cfg.TablePrefix + req.SchemaSlug)
	staging := tabular.StagingTable(table, req.RunID)
	if err := s.prepare(ctx, db, table, staging, cols); err != nil {
		_ = db.Close()
		return nil, err
	}

	log := s.logger.With(zap.String("schema", req.SchemaSlug), zap.String("table", table))
	rowsPerInsert := maxPlaceholders / len(cols)
	flush := func(ctx context.Context, group []models.RecordContext) error {
		for start := 0; start < len(group); start += rowsPerInsert {
			end := start + rowsPerInsert
			if end > len(group) {
				end = len(group)
			}
			args := make([]interface{}, 0, (end-start)*len(cols))
			for _, rc := range group[start:end] {
				args = append(args, tabular.Values(cols, rc.Record)...)
			}
			if _, err := db.ExecContext(ctx, d.Insert(staging, cols, end-start), args...); err != nil {
				return err
			}
		}
		log.Debug("inserted rows into staging", zap.Int("rows", len(group)))
		return nil
	}

	names := tabular.Names(cols)
	return &sink.Writable{
		Writer: sink.NewGroupWriter(flush,
			sink.WithClose(func(context.Context) error { return db.Close() }),
			sink.WithWriterLogger(log),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		),
		PreStages:      []sink.Stage{batch.NewObjects[models.RecordContext](cfg.BatchSize, cfg.BatchDelay)},
		OutputLocation: fmt.Sprintf("%s://%s/%s", s.flavor.kind, cfg.Database, table),
		CommitKeys: func() []sink.CommitKey {
			return []sink.CommitKey{tabular.CommitKey(req.SchemaSlug, table, staging, names)}
		},
	}, nil
}

func (s *SQLSink) prepare(ctx context.Context, db *sql.DB, table, staging string, cols []tabular.Column) error {
	d := s.flavor.dialect
	if _, err := db.ExecContext(ctx, d.CreateTable(table, cols)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create table").WithDetail("table", table)
	}

	existing, err := columnNames(ctx, db, d.Quote(table))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read table columns").WithDetail("table", table)
	}
	for _, stmt := range addColumnStatements(d, table, cols, existing) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to add column").WithDetail("table", table)
		}
	}

	for _, stmt := range []string{d.Drop(staging), d.CreateTable(staging, cols)} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create staging table").WithDetail("table", staging)
		}
	}
	return nil
}

func columnNames(ctx context.Context, db *sql.DB, quoted string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoted+" WHERE 1 = 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns()
}

func addColumnStatements(d tabular.Dialect, table string, cols []tabular.Column, existing []string) []string {
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[strings.ToLower(name)] = true
	}
	var stmts []string
	for _, c := range cols {
		if have[strings.ToLower(c.Name)] {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(c.Name), d.ColumnType(c.Type)))
	}
	return stmts
}

// CommitAfterWrites promotes staged rows and replaces the state row in one
// transaction. Staging tables are dropped after the transaction commits
// because DDL ends an open transaction on MySQL.
func (s *SQLSink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	db, err := s.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	d := s.flavor.dialect
	if req.NewState != nil {
		if _, err := db.ExecContext(ctx, d.CreateStateTable(cfg.StateTable)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create state table")
		}
	}

	staged := make([]tabular.Staged, 0, len(req.CommitKeys))
	for _, key := range req.CommitKeys {
		st, err := tabular.ParseCommitKey(key)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "invalid commit key")
		}
		staged = append(staged, st)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	cleared := make(map[string]bool)
	for _, st := range staged {
		if req.ReplaceExistingData && !cleared[st.Table] {
			if _, err := tx.ExecContext(ctx, d.Clear(st.Table)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to clear table").WithDetail("table", st.Table)
			}
			cleared[st.Table] = true
		}
		if _, err := tx.ExecContext(ctx, d.PromoteStaged(st)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to promote staged rows").WithDetail("table", st.Table)
		}
	}

	if req.NewState != nil {
		data, err := sink.MarshalState(req.NewState)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
		}
		k := req.StateKey
		if _, err := tx.ExecContext(ctx, d.DeleteState(cfg.StateTable), k.CatalogSlug, k.PackageSlug, k.MajorVersion); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to replace state")
		}
		if _, err := tx.ExecContext(ctx, d.InsertState(cfg.StateTable), k.CatalogSlug, k.PackageSlug, k.MajorVersion, string(data)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to commit transaction")
	}

	for _, st := range staged {
		if _, err := db.ExecContext(ctx, d.Drop(st.Staging)); err != nil {
			s.logger.Warn("failed to drop staging table", zap.String("table", st.Staging), zap.Error(err))
		}
	}
	logger.FromContext(ctx, s.logger).Info("commit completed", zap.String("package", req.StateKey.String()), zap.Int("tables", len(staged)))
	return nil
}

// SinkState reads the state row; a missing table or row means no state
func (s *SQLSink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	db, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	k := req.StateKey
	var data string
	err = db.QueryRowContext(ctx, s.flavor.dialect.SelectState(cfg.StateTable), k.CatalogSlug, k.PackageSlug, k.MajorVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err != nil && s.flavor.missingTable(err)) {
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
