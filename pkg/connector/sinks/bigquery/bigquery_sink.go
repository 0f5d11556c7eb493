// Package bigquery streams rows into per-run staging tables and copies them
// into the target tables on commit.
package bigquery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/sinks/tabular"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// SinkType is the registry identifier of this sink
const SinkType = "bigquery"

// staging tables expire on their own when a run never commits
const stagingExpiration = 24 * time.Hour

// Config is decoded from the merged sink settings
type Config struct {
	ProjectID       string        `mapstructure:"projectId"`
	Dataset         string        `mapstructure:"dataset"`
	Location        string        `mapstructure:"location"`
	CredentialsFile string        `mapstructure:"credentialsFile"`
	TablePrefix     string        `mapstructure:"tablePrefix"`
	StateTable      string        `mapstructure:"stateTable"`
	BatchSize       int           `mapstructure:"batchSize"`
	BatchDelay      time.Duration `mapstructure:"batchDelay"`
}

// BigQuerySink implements sink.Sink
type BigQuerySink struct {
	logger *zap.Logger
}

func NewBigQuerySink() *BigQuerySink {
	return &BigQuerySink{logger: logger.With(zap.String("sink", SinkType))}
}

func (s *BigQuerySink) Type() string { return SinkType }

func (s *BigQuerySink) config(settings core.Settings) (*Config, error) {
	merged := settings.Merged()
	if err := merged.Require("projectId", "dataset"); err != nil {
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
		cfg.BatchSize = 500
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	return cfg, nil
}

func (s *BigQuerySink) Validate(settings core.Settings) error {
	_, err := s.config(settings)
	return err
}

func (s *BigQuerySink) IsStronglyTyped(core.Settings) bool { return true }

func (s *BigQuerySink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream},
	}
}

func (s *BigQuerySink) connect(ctx context.Context, cfg *Config) (*bigquery.Client, *bigquery.Dataset, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create BigQuery client")
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}

	ds := client.Dataset(cfg.Dataset)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read dataset")
		}
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: cfg.Location}); err != nil && !isAlreadyExists(err) {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dataset")
		}
	}
	return client, ds, nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

// TableSchema maps columns onto a nullable BigQuery schema
func TableSchema(cols []tabular.Column) bigquery.Schema {
	out := make(bigquery.Schema, len(cols))
	for i, c := range cols {
		out[i] = &bigquery.FieldSchema{Name: c.Name, Type: fieldType(c.Type)}
	}
	return out
}

func fieldType(vt schema.ValueType) bigquery.FieldType {
	switch vt {
	case schema.Boolean:
		return bigquery.BooleanFieldType
	case schema.Integer:
		return bigquery.IntegerFieldType
	case schema.Number:
		return bigquery.FloatFieldType
	case schema.Date:
		return bigquery.DateFieldType
	case schema.DateTime:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}

// row saves one record; the insert id deduplicates retried streaming inserts
type row struct {
	cols     []tabular.Column
	rc       models.RecordContext
	insertID string
}

func (r *row) Save() (map[string]bigquery.Value, string, error) {
	values := tabular.Values(r.cols, r.rc.Record)
	out := make(map[string]bigquery.Value, len(values))
	for i, c := range r.cols {
		v := values[i]
		if t, ok := v.(time.Time); ok && c.Type == schema.Date {
			v = t.Format(schema.DateLayout)
		}
		out[c.Name] = v
	}
	return out, r.insertID, nil
}

func insertID(runID string, rc models.RecordContext) string {
	return fmt.Sprintf("%s:%s:%s:%d", runID, rc.StreamSetSlug, rc.StreamSlug, rc.Offset)
}

// Writable creates the staging table and returns a writer streaming each
// group into it.
func (s *BigQuerySink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	cols := tabular.Columns(req.Schema)
	if len(cols) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "schema has no properties").
			WithDetail("schema", req.SchemaSlug)
	}

	client, ds, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	table := tabular.Identifier(cfg.TablePrefix + req.SchemaSlug)
	staging := tabular.StagingTable(table, req.RunID)
	stagingTable := ds.Table(staging)
	if err := stagingTable.Create(ctx, &bigquery.TableMetadata{
		Schema:         TableSchema(cols),
		ExpirationTime: time.Now().Add(stagingExpiration),
	}); err != nil && !isAlreadyExists(err) {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create staging table").
			WithDetail("table", staging)
	}

	inserter := stagingTable.Inserter()
	log := s.logger.With(zap.String("schema", req.SchemaSlug), zap.String("table", table))
	flush := func(ctx context.Context, group []models.RecordContext) error {
		rows := make([]*row, len(group))
		for i, rc := range group {
			rows[i] = &row{cols: cols, rc: rc, insertID: insertID(req.RunID, rc)}
		}
		if err := inserter.Put(ctx, rows); err != nil {
			return err
		}
		log.Debug("streamed rows to staging", zap.Int("rows", len(rows)))
		return nil
	}

	return &sink.Writable{
		Writer: sink.NewGroupWriter(flush,
			sink.WithClose(func(context.Context) error { return client.Close() }),
			sink.WithWriterLogger(log),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		),
		PreStages:      []sink.Stage{batch.NewObjects[models.RecordContext](cfg.BatchSize, cfg.BatchDelay)},
		OutputLocation: fmt.Sprintf("bigquery://%s/%s/%s", cfg.ProjectID, cfg.Dataset, table),
		CommitKeys: func() []sink.CommitKey {
			return []sink.CommitKey{tabular.CommitKey(req.SchemaSlug, table, staging, tabular.Names(cols))}
		},
	}, nil
}

// CommitAfterWrites copies each staging table into its target, truncating
// first when replacing, then writes the state row.
func (s *BigQuerySink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	client, ds, err := s.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	truncated := make(map[string]bool)
	for _, key := range req.CommitKeys {
		st, err := tabular.ParseCommitKey(key)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "invalid commit key")
		}
		copier := ds.Table(st.Table).CopierFrom(ds.Table(st.Staging))
		copier.CreateDisposition = bigquery.CreateIfNeeded
		copier.WriteDisposition = bigquery.WriteAppend
		if req.ReplaceExistingData && !truncated[st.Table] {
			copier.WriteDisposition = bigquery.WriteTruncate
			truncated[st.Table] = true
		}
		if err := runJob(ctx, func() (*bigquery.Job, error) { return copier.Run(ctx) }); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to copy staging table").
				WithDetail("table", st.Table)
		}
		if err := ds.Table(st.Staging).Delete(ctx); err != nil && !isNotFound(err) {
			s.logger.Warn("failed to delete staging table", zap.String("table", st.Staging), zap.Error(err))
		}
	}

	if req.NewState != nil {
		if err := s.writeState(ctx, client, ds, cfg, req); err != nil {
			return err
		}
	}
	s.logger.Info("commit completed", zap.String("package", req.StateKey.String()), zap.Int("tables", len(req.CommitKeys)))
	return nil
}

func runJob(ctx context.Context, start func() (*bigquery.Job, error)) error {
	job, err := start()
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

func stateSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "catalog_slug", Type: bigquery.StringFieldType, Required: true},
		{Name: "package_slug", Type: bigquery.StringFieldType, Required: true},
		{Name: "major_version", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "state", Type: bigquery.StringFieldType, Required: true},
		{Name: "updated_at", Type: bigquery.TimestampFieldType},
	}
}

// MergeStateSQL upserts one state row through DML
func MergeStateSQL(project, dataset, table string) string {
	return fmt.Sprintf("MERGE `%s.%s.%s` t USING (SELECT @catalog AS catalog_slug, @package AS package_slug, "+
		"@major AS major_version) s ON t.catalog_slug = s.catalog_slug AND t.package_slug = s.package_slug "+
		"AND t.major_version = s.major_version "+
		"WHEN MATCHED THEN UPDATE SET state = @state, updated_at = CURRENT_TIMESTAMP() "+
		"WHEN NOT MATCHED THEN INSERT (catalog_slug, package_slug, major_version, state, updated_at) "+
		"VALUES (@catalog, @package, @major, @state, CURRENT_TIMESTAMP())", project, dataset, table)
}

func stateParams(k sink.StateKey) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "catalog", Value: k.CatalogSlug},
		{Name: "package", Value: k.PackageSlug},
		{Name: "major", Value: int64(k.MajorVersion)},
	}
}

func (s *BigQuerySink) writeState(ctx context.Context, client *bigquery.Client, ds *bigquery.Dataset, cfg *Config, req sink.CommitRequest) error {
	data, err := sink.MarshalState(req.NewState)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
	}
	if err := ds.Table(cfg.StateTable).Create(ctx, &bigquery.TableMetadata{Schema: stateSchema()}); err != nil && !isAlreadyExists(err) {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create state table")
	}

	q := client.Query(MergeStateSQL(cfg.ProjectID, cfg.Dataset, cfg.StateTable))
	q.Parameters = append(stateParams(req.StateKey), bigquery.QueryParameter{Name: "state", Value: string(data)})
	if err := runJob(ctx, func() (*bigquery.Job, error) { return q.Run(ctx) }); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
	}
	return nil
}

// SinkState reads the state row; a missing table or row means no state
func (s *BigQuerySink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	client, ds, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if _, err := ds.Table(cfg.StateTable).Metadata(ctx); isNotFound(err) {
		return nil, nil
	}

	q := client.Query(fmt.Sprintf(
		"SELECT state FROM `%s.%s.%s` WHERE catalog_slug = @catalog AND package_slug = @package AND major_version = @major",
		cfg.ProjectID, cfg.Dataset, cfg.StateTable))
	q.Parameters = stateParams(req.StateKey)
	it, err := q.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}
	var values []bigquery.Value
	err = it.Next(&values)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}
	data, _ := values[0].(string)
	state, err := sink.UnmarshalState([]byte(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode state")
	}
	return state, nil
}
