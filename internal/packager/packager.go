// Package packager reads a source once through the inference engine and
// produces the package file that later fetch runs transfer.
package packager

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/big-armor/datapm-sub007/pkg/config"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/labels"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/pkgfile"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

// DefaultVersion is the version of a package packaged for the first time
const DefaultVersion = "1.0.0"

// Request describes the package to produce
type Request struct {
	CatalogSlug string
	PackageSlug string
	DisplayName string
	Description string

	Source         source.Source
	SourceSettings core.Settings

	// Prior is the previous package file. Its content labels are kept and
	// its version is bumped according to how the schemas changed.
	Prior *pkgfile.PackageFile
	// Version is used when there is no prior package file
	Version string
	// MaxRecords stops reading once that many records were inferred. Zero
	// reads every stream to the end.
	MaxRecords int64

	Job job.JobContext
}

// Result is the produced package file and how it relates to the prior one
type Result struct {
	Package     *pkgfile.PackageFile
	Change      pkgfile.Change
	RecordsRead int64
}

// Option configures a Packager
type Option func(*Packager)

// WithRunConfig sets the label detector settings
func WithRunConfig(cfg *config.RunConfig) Option {
	return func(p *Packager) { p.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Packager) { p.logger = l }
}

// WithClock sets the time recorded as the package update date
func WithClock(now func() time.Time) Option {
	return func(p *Packager) { p.now = now }
}

// Packager infers package files
type Packager struct {
	cfg    *config.RunConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Packager
func New(opts ...Option) *Packager {
	p := &Packager{
		cfg:    config.NewRunConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run reads every stream of the source and returns the package file
func (p *Packager) Run(ctx context.Context, req Request) (*Result, error) {
	if req.CatalogSlug == "" || req.PackageSlug == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "catalog and package slugs are required")
	}
	if req.Source == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "source is required")
	}
	if err := req.Source.Validate(req.SourceSettings); err != nil {
		return nil, err
	}
	if req.Job == nil {
		session := job.NewSession("package")
		defer session.Close()
		req.Job = job.NewConsoleContext(p.logger, session, nil)
	}

	sets, err := req.Source.StreamSets(ctx, req.SourceSettings)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list source streams")
	}

	engine := p.newEngine(req.Prior)
	task := req.Job.StartTask("Inferring schemas")
	read, setSchemas, err := p.infer(ctx, req, sets, engine)
	if err != nil {
		task.End(job.TaskError, err.Error())
		return nil, err
	}
	schemas := engine.Finish()
	task.End(job.TaskSuccess, "schemas inferred")

	pkg, change, err := p.build(req, sets, setSchemas, schemas)
	if err != nil {
		return nil, err
	}
	p.logger.Info("package inferred",
		zap.String("package", pkg.CatalogSlug+"/"+pkg.PackageSlug),
		zap.String("version", pkg.Version),
		zap.String("change", change.String()),
		zap.Int("schemas", len(pkg.Schemas)),
		zap.Int64("records", read))
	return &Result{Package: pkg, Change: change, RecordsRead: read}, nil
}

func (p *Packager) newEngine(prior *pkgfile.PackageFile) *schema.Engine {
	opts := []schema.Option{schema.WithLogger(p.logger)}
	if prior != nil {
		opts = append(opts, schema.WithPrior(prior.SchemaMap()))
	}
	if !p.cfg.Labels.Disabled {
		seed := p.cfg.Labels.Seed
		if seed == 0 {
			seed = p.now().UnixNano()
		}
		detector := labels.NewDetector(
			labels.WithRand(rand.New(rand.NewSource(seed))), //nolint:gosec // sampling, not security
			labels.WithLogger(p.logger),
		)
		opts = append(opts, schema.WithLabelObserver(detector))
	}
	return schema.NewEngine(opts...)
}

// infer feeds every stream through the engine. It returns the records read
// and the schema slugs seen per stream set.
func (p *Packager) infer(ctx context.Context, req Request, sets []source.StreamSet, engine *schema.Engine) (int64, map[string]map[string]bool, error) {
	readCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(readCtx)
	batches := make(chan []models.RecordContext, p.cfg.Batch.ChannelBuffer)
	g.Go(func() error { return engine.Run(gctx, batches, nil) })

	var read int64
	setSchemas := make(map[string]map[string]bool, len(sets))
	g.Go(func() error {
		defer close(batches)
		for _, set := range sets {
			slugs := make(map[string]bool)
			setSchemas[set.Slug] = slugs
			for _, st := range set.Streams {
				done, err := p.readStream(gctx, req, set.Slug, st.Slug, batches, slugs, &read)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}
	return read, setSchemas, nil
}

// readStream forwards one stream to out. It reports true once MaxRecords
// was reached.
func (p *Packager) readStream(ctx context.Context, req Request, setSlug, streamSlug string, out chan<- []models.RecordContext, slugs map[string]bool, read *int64) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs, err := req.Source.OpenStream(streamCtx, source.OpenRequest{
		Settings:      req.SourceSettings,
		StreamSetSlug: setSlug,
		StreamSlug:    streamSlug,
		Job:           req.Job,
	})
	if err != nil {
		return false, err
	}
	p.logger.Debug("reading stream", zap.String("stream_set", setSlug), zap.String("stream", streamSlug))

	for b := range rs.Batches {
		if req.MaxRecords > 0 && *read+int64(len(b)) > req.MaxRecords {
			b = b[:req.MaxRecords-*read]
		}
		for _, rc := range b {
			slugs[rc.SchemaSlug] = true
		}
		*read += int64(len(b))
		select {
		case out <- b:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if req.MaxRecords > 0 && *read >= req.MaxRecords {
			return true, nil
		}
	}
	if rs.Errors != nil {
		if err := <-rs.Errors; err != nil {
			return false, err
		}
	}
	return false, nil
}

// build assembles the package file and picks its version
func (p *Packager) build(req Request, sets []source.StreamSet, setSchemas map[string]map[string]bool, schemas map[string]*schema.SchemaDescriptor) (*pkgfile.PackageFile, pkgfile.Change, error) {
	pkg := &pkgfile.PackageFile{
		CatalogSlug: req.CatalogSlug,
		PackageSlug: req.PackageSlug,
		DisplayName: req.DisplayName,
		Description: req.Description,
		UpdatedDate: p.now().UTC(),
	}
	pkg.SetSchemas(schemas)

	change := pkgfile.Additive
	if prior := req.Prior; prior != nil {
		change = pkgfile.Compare(prior.SchemaMap(), schemas)
		next, err := pkgfile.NextVersion(prior.Version, change)
		if err != nil {
			return nil, change, errors.Wrap(err, errors.ErrorTypeValidation, "prior package version is invalid").
				WithDetail("version", prior.Version)
		}
		pkg.Version = next
		if pkg.DisplayName == "" {
			pkg.DisplayName = prior.DisplayName
		}
		if pkg.Description == "" {
			pkg.Description = prior.Description
		}
	} else {
		pkg.Version = req.Version
		if pkg.Version == "" {
			pkg.Version = DefaultVersion
		}
	}
	if pkg.DisplayName == "" {
		pkg.DisplayName = req.PackageSlug
	}

	src := &pkgfile.Source{
		Type:       req.Source.Type(),
		Connection: req.SourceSettings.Connection,
		Config:     req.SourceSettings.Config,
	}
	for _, set := range sets {
		slugs := make([]string, 0, len(setSchemas[set.Slug]))
		for slug := range setSchemas[set.Slug] {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		src.StreamSets = append(src.StreamSets, pkgfile.StreamSet{
			Slug:            set.Slug,
			SchemaSlugs:     slugs,
			StreamCount:     len(set.Streams),
			ExpectedBytes:   set.ExpectedBytes(),
			ExpectedRecords: set.ExpectedRecords(),
		})
	}
	pkg.Sources = []*pkgfile.Source{src}

	if err := pkg.Validate(); err != nil {
		return nil, change, err
	}
	return pkg, change, nil
}
