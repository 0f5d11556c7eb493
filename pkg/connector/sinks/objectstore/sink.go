package objectstore

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/compression"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// Opener connects a backend from the sink settings
type Opener func(ctx context.Context, settings core.Settings) (Store, error)

// Sink stages parts in a Store and promotes them on commit
type Sink struct {
	kind   string
	open   Opener
	logger *zap.Logger
	now    func() time.Time
}

// New creates a sink of the given type over a backend opener
func New(kind string, open Opener) *Sink {
	return &Sink{
		kind:   kind,
		open:   open,
		logger: logger.With(zap.String("sink", kind)),
		now:    time.Now,
	}
}

// NewLocal creates the filesystem sink. The root directory comes from the
// "path" setting.
func NewLocal() *Sink {
	return New("local", func(_ context.Context, s core.Settings) (Store, error) {
		return NewLocalStore(s.Merged().String("path", ""))
	})
}

// NewS3 creates the S3 sink
func NewS3() *Sink {
	return New("s3", func(ctx context.Context, s core.Settings) (Store, error) {
		var cfg S3Config
		if err := s.Merged().Decode(&cfg); err != nil {
			return nil, err
		}
		return NewS3Store(ctx, cfg)
	})
}

// NewGCS creates the Cloud Storage sink
func NewGCS() *Sink {
	return New("gcs", func(ctx context.Context, s core.Settings) (Store, error) {
		var cfg GCSConfig
		if err := s.Merged().Decode(&cfg); err != nil {
			return nil, err
		}
		return NewGCSStore(ctx, cfg)
	})
}

func (s *Sink) Type() string { return s.kind }

func (s *Sink) config(settings core.Settings) (*Config, error) {
	cfg := &Config{}
	if err := settings.Merged().Decode(cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Sink) Validate(settings core.Settings) error {
	merged := settings.Merged()
	switch s.kind {
	case "local":
		if err := merged.Require("path"); err != nil {
			return err
		}
	case "s3", "gcs":
		if err := merged.Require("bucket"); err != nil {
			return err
		}
	}
	_, err := s.config(settings)
	return err
}

// IsStronglyTyped is true for Avro output, which needs one type per field
func (s *Sink) IsStronglyTyped(settings core.Settings) bool {
	cfg, err := s.config(settings)
	return err == nil && cfg.Format == FormatAvro
}

func (s *Sink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return sink.StreamOptions{
		UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
		StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream},
	}
}

func (s *Sink) Writable(ctx context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	store, err := s.open(ctx, req.Settings)
	if err != nil {
		return nil, err
	}

	lay := newLayout(cfg.Prefix, req.StateKey)
	st := &stager{
		store:      store,
		layout:     lay,
		runID:      req.RunID,
		schemaSlug: req.SchemaSlug,
		format:     cfg.Format,
		algorithm:  cfg.algorithm,
		logger:     s.logger.With(zap.String("schema", req.SchemaSlug)),
	}

	w := &sink.Writable{
		OutputLocation: store.Location(lay.schema(req.SchemaSlug)),
		CommitKeys:     st.commitKeys,
	}

	if cfg.Format == FormatAvro {
		enc, err := newAvroEncoder(req.SchemaSlug, req.Schema, cfg.algorithm)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		w.PreStages = []sink.Stage{batch.NewObjects[models.RecordContext](cfg.PartRecords, 5*time.Second)}
		w.Writer = sink.NewGroupWriter(
			func(ctx context.Context, group []models.RecordContext) error {
				data, err := enc.Encode(group)
				if err != nil {
					return err
				}
				return st.upload(ctx, data, len(group))
			},
			sink.WithClose(func(context.Context) error { return store.Close() }),
			sink.WithWriterLogger(st.logger),
			sink.WithMetrics(req.Metrics, req.SchemaSlug),
		)
		return w, nil
	}

	if cfg.algorithm != compression.None {
		comp, err := compression.NewCompressor(&compression.Config{
			Algorithm: cfg.algorithm,
			Level:     compression.Default,
		})
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
		}
		st.compressor = comp
	}
	w.Writer = &closingWriter{
		Writer: newLineWriter(st, cfg.PartSize, req.Metrics),
		close:  store.Close,
	}
	return w, nil
}

// closingWriter releases the backend once the wrapped writer returns
type closingWriter struct {
	sink.Writer
	close func() error
}

func (c *closingWriter) Run(ctx context.Context, in <-chan []models.RecordContext, out chan<- models.RecordContext) error {
	err := c.Writer.Run(ctx, in, out)
	if cerr := c.close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, errors.ErrorTypeWrite, "failed to close store")
	}
	return err
}

// CommitAfterWrites promotes every staged part, removes the prior data of
// each written schema first when replacing, and persists the new state last.
func (s *Sink) CommitAfterWrites(ctx context.Context, req sink.CommitRequest) error {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return err
	}
	store, err := s.open(ctx, req.Settings)
	if err != nil {
		return err
	}
	defer store.Close()

	lay := newLayout(cfg.Prefix, req.StateKey)
	replace := req.ReplaceExistingData

	bySchema := make(map[string][]sink.CommitKey)
	for _, key := range req.CommitKeys {
		slug, _ := key[keySchema].(string)
		bySchema[slug] = append(bySchema[slug], key)
	}
	schemas := make([]string, 0, len(bySchema))
	for slug := range bySchema {
		schemas = append(schemas, slug)
	}
	sort.Strings(schemas)

	for _, slug := range schemas {
		if replace {
			existing, err := store.List(ctx, lay.schema(slug))
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to list existing data").
					WithDetail("schema", slug)
			}
			for _, key := range existing {
				if err := store.Delete(ctx, key); err != nil {
					return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete existing data").
						WithDetail("key", key)
				}
			}
		}
		for _, key := range bySchema[slug] {
			staged, _ := key[keyStaged].(string)
			final, _ := key[keyFinal].(string)
			if staged == "" || final == "" {
				return errors.New(errors.ErrorTypeInternal, "malformed commit key").
					WithDetail("schema", slug)
			}
			if err := store.Copy(ctx, staged, final); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to promote part").
					WithDetail("key", staged)
			}
			if err := store.Delete(ctx, staged); err != nil {
				s.logger.Warn("failed to remove staged part", zap.String("key", staged), zap.Error(err))
			}
		}
	}

	if req.NewState != nil {
		data, err := sink.MarshalState(req.NewState)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
		}
		if err := store.Put(ctx, lay.state(), data); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to persist state")
		}
	}

	logger.FromContext(ctx, s.logger).Info("commit completed",
		zap.String("package", req.StateKey.String()),
		zap.Int("parts", len(req.CommitKeys)),
		zap.Bool("replace", replace))
	return nil
}

func (s *Sink) SinkState(ctx context.Context, req sink.StateRequest) (*sink.State, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	store, err := s.open(ctx, req.Settings)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	data, err := store.Get(ctx, newLayout(cfg.Prefix, req.StateKey).state())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read state")
	}
	state, err := sink.UnmarshalState(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode state")
	}
	return state, nil
}
