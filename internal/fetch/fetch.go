// Package fetch moves the records of a package's source into a sink.
//
// # Overview
//
// A run goes through three phases:
//   - Planning: the sink is resolved and validated, its prior State is read,
//     an update method is chosen and, for strongly typed sinks, every schema
//     conflict is resolved. Streams whose update hash did not change since
//     the prior run are skipped.
//   - Reading: streams are opened one after the other. Records are converted
//     to their schema types and routed by schema slug to a pipeline created
//     on first use: the sink's pre-stages followed by its Writer. Every send
//     into a pipeline blocks until the pipeline accepts it.
//   - Committing: once every writer returned, the commit keys of all writers
//     are passed to the sink in one CommitAfterWrites call together with the
//     new State.
//
// A single StateTracker consumes the records every writer forwards after a
// durable flush and is the only code mutating the new State while the run
// is reading.
//
// # Stopping
//
// Stop ends intake cooperatively: no further batch is read from the source,
// everything already handed to a pipeline is written and committed, and the
// update hash of every stream touched by the run is cleared so the next run
// does not mistake a partial transfer for an unchanged stream.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/config"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/metrics"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/observability"
	"github.com/big-armor/datapm-sub007/pkg/pkgfile"
	"github.com/big-armor/datapm-sub007/pkg/schema"
	"github.com/big-armor/datapm-sub007/pkg/sink"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

// Request describes one transfer
type Request struct {
	Package        *pkgfile.PackageFile
	Source         source.Source
	SourceSettings core.Settings

	// Sink is used when set. Otherwise SinkType is looked up in the
	// connector registry.
	Sink         sink.Sink
	SinkType     string
	SinkSettings core.Settings

	// UpdateMethod defaults to BATCH_FULL_SET when the sink supports it and
	// to the first supported method otherwise
	UpdateMethod        sink.UpdateMethod
	ReplaceExistingData bool
	// ForceUpdate reads every stream even when its update hash is unchanged
	ForceUpdate bool

	// Job answers deconfliction prompts. A console context answering from
	// defaults is used when nil.
	Job job.JobContext
}

// Result is the outcome of a run. It is returned with the error of a failed
// run as far as it got.
type Result struct {
	RunID        string
	Status       Status
	UpdateMethod sink.UpdateMethod
	// UpToDate is true when every stream was unchanged and nothing was written
	UpToDate     bool
	StoppedEarly bool
	// Resolutions lists the strategy applied to each schema conflict
	Resolutions      []Resolution
	RecordsReceived  map[string]int64
	RecordsCommitted map[string]int64
	OutputLocations  map[string]string
	// State is the state handed to the sink at commit
	State *sink.State
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithRunConfig sets batching and progress settings
func WithRunConfig(cfg *config.RunConfig) Option {
	return func(f *Fetcher) { f.cfg = cfg }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithObserver receives progress and throughput events
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithRunID fixes the run identifier, which sinks use to name staged data
func WithRunID(id string) Option {
	return func(f *Fetcher) { f.runID = id }
}

// Fetcher runs one transfer. Stop may be called from any goroutine.
type Fetcher struct {
	cfg      *config.RunConfig
	logger   *zap.Logger
	observer Observer
	runID    string

	obsMu    sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Fetcher
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:      config.NewRunConfig(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cfg == nil {
		f.cfg = config.NewRunConfig()
	}
	if err := f.cfg.Validate(); err != nil {
		f.logger.Warn("invalid run configuration, using defaults", zap.Error(err))
		f.cfg = config.NewRunConfig()
	}
	if f.runID == "" {
		f.runID = NewRunID()
	}
	f.logger = f.logger.With(zap.String("job_id", f.runID))
	return f
}

// NewRunID returns a short random identifier usable in table and object
// names
func NewRunID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// RunID returns the identifier of the run
func (f *Fetcher) RunID() string { return f.runID }

// Stop requests a cooperative stop. It returns immediately; Run returns
// once buffered records are written and committed.
func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() {
		f.logger.Info("stop requested, finishing buffered records")
		close(f.stopCh)
	})
}

func (f *Fetcher) stopRequested() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

func (f *Fetcher) progress(name string, status Status, msg string) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	f.observer.OnProgress(ProgressEvent{Resource: Resource{Name: name, Status: status}, Message: msg})
}

func (f *Fetcher) throughput(e ThroughputEvent) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	f.observer.OnThroughput(e)
}

// plannedStream is a stream the run reads
type plannedStream struct {
	set     string
	summary source.StreamSummary
	after   *int64
}

func (p plannedStream) name() string { return p.set + "/" + p.summary.Slug }

type plan struct {
	runName         string
	sink            sink.Sink
	stateKey        sink.StateKey
	prior           *sink.State
	method          sink.UpdateMethod
	schemas         map[string]*schema.SchemaDescriptor
	streams         []plannedStream
	bytesExpected   int64
	recordsExpected int64
}

// Run executes the transfer described by req
func (f *Fetcher) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Job == nil {
		session := job.NewSession(f.runID)
		defer session.Close()
		req.Job = job.NewConsoleContext(f.logger, session, nil)
	}

	result := &Result{
		RunID:           f.runID,
		Status:          StatusPlanning,
		OutputLocations: make(map[string]string),
	}

	ctx = logger.ContextWith(ctx, logger.JobIDKey, f.runID)
	ctx, span := observability.StartSpan(ctx, "fetch.run")
	span.SetAttribute("run_id", f.runID)

	err := f.run(ctx, req, result)
	if err != nil {
		if ctx.Err() != nil && !errors.HasType(err, errors.ErrorTypeCommit) {
			err = errors.Wrap(err, errors.ErrorTypeCanceled, "fetch canceled")
		}
		result.Status = StatusFailure
		result.RecordsCommitted = nil
		result.State = nil
		f.progress(runName(req.Package), StatusFailure, err.Error())
		f.logger.Error("fetch failed", zap.Error(err))
	}
	span.SetAttribute("status", string(result.Status))
	span.Finish(err)
	return result, err
}

func runName(p *pkgfile.PackageFile) string {
	if p == nil {
		return "fetch"
	}
	return p.CatalogSlug + "/" + p.PackageSlug
}

func (f *Fetcher) run(ctx context.Context, req Request, result *Result) error {
	name := runName(req.Package)
	f.progress(name, StatusPlanning, "")

	p, err := f.plan(ctx, &req, result)
	if err != nil {
		return err
	}
	result.UpdateMethod = p.method

	if len(p.streams) == 0 {
		f.logger.Info("every stream is up to date, nothing to fetch")
		result.UpToDate = true
		result.Status = StatusCompleted
		f.progress(name, StatusCompleted, "up to date")
		return nil
	}

	newState := p.prior.Clone()
	if newState == nil {
		newState = sink.NewState(req.Package.Version)
	}
	newState.PackageVersion = req.Package.Version
	if p.method != sink.AppendOnlyLog {
		for _, ps := range p.streams {
			if set, ok := newState.StreamSets[ps.set]; ok {
				delete(set.StreamStates, ps.summary.Slug)
			}
		}
	}

	r := &runner{
		f:        f,
		req:      req,
		plan:     p,
		metrics:  metrics.NewCollector(req.Source.Type(), p.sink.Type()),
		progress: newProgress(p.bytesExpected, p.recordsExpected),
		tracker:  sink.NewStateTracker(newState, f.logger),
		tracked:  make(chan models.RecordContext, f.cfg.Batch.ChannelBuffer),
		pipes:    make(map[string]*pipe),
		unknown:  make(map[string]bool),

		uncastable: make(map[string]bool),
	}
	return r.execute(ctx, result)
}

func (f *Fetcher) plan(ctx context.Context, req *Request, result *Result) (*plan, error) {
	if req.Package == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "package file is required")
	}
	if err := req.Package.Validate(); err != nil {
		return nil, err
	}
	if req.Source == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "source is required")
	}
	if err := req.Source.Validate(req.SourceSettings); err != nil {
		return nil, asType(err, errors.ErrorTypeConfig, "invalid source configuration")
	}

	snk := req.Sink
	if snk == nil {
		if req.SinkType == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "sink or sink type is required")
		}
		var err error
		if snk, err = registry.CreateSink(req.SinkType); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unknown sink type").WithDetail("sink", req.SinkType)
		}
	}
	if req.SinkSettings.Config == nil {
		req.SinkSettings.Config = core.Config{}
	}
	if err := snk.Validate(req.SinkSettings); err != nil {
		return nil, asType(err, errors.ErrorTypeConfig, "invalid sink configuration")
	}

	p := &plan{
		runName:  runName(req.Package),
		sink:     snk,
		stateKey: req.Package.StateKey(),
	}

	prior, err := snk.SinkState(ctx, sink.StateRequest{Settings: req.SinkSettings, StateKey: p.stateKey, Job: req.Job})
	if err != nil {
		return nil, asType(err, errors.ErrorTypeConnection, "failed to read sink state")
	}
	p.prior = prior

	if p.method, err = selectUpdateMethod(req.UpdateMethod, snk.SupportedStreamOptions(req.SinkSettings, prior)); err != nil {
		return nil, err
	}
	if req.ReplaceExistingData && p.method == sink.AppendOnlyLog {
		return nil, errors.New(errors.ErrorTypeConfig, "replacing existing data is not possible with APPEND_ONLY_LOG")
	}

	p.schemas = make(map[string]*schema.SchemaDescriptor, len(req.Package.Schemas))
	for slug, desc := range req.Package.SchemaMap() {
		p.schemas[slug] = desc.Clone()
	}
	if snk.IsStronglyTyped(req.SinkSettings) {
		if conflicts := Conflicts(p.schemas); len(conflicts) > 0 {
			resolutions, err := ResolveConflicts(ctx, req.Job, req.SinkSettings.Config, conflicts)
			if err != nil {
				return nil, err
			}
			ApplyStrategies(p.schemas, resolutions)
			result.Resolutions = resolutions
		}
	}

	sets, err := req.Source.StreamSets(ctx, req.SourceSettings)
	if err != nil {
		return nil, asType(err, errors.ErrorTypeConnection, "failed to list source streams")
	}
	p.streams = planStreams(sets, prior, p.method, req.ForceUpdate, req.ReplaceExistingData)
	for _, ps := range p.streams {
		p.bytesExpected += ps.summary.ExpectedBytes
		p.recordsExpected += ps.summary.ExpectedRecords
	}

	f.logger.Info("fetch planned",
		zap.String("package", p.runName),
		zap.String("version", req.Package.Version),
		zap.String("sink", snk.Type()),
		zap.String("update_method", string(p.method)),
		zap.Bool("replace_existing_data", req.ReplaceExistingData),
		zap.Int("streams", len(p.streams)),
		zap.Int("conflicts", len(result.Resolutions)))
	return p, nil
}

// selectUpdateMethod validates the requested method against the sink
func selectUpdateMethod(requested sink.UpdateMethod, opts sink.StreamOptions) (sink.UpdateMethod, error) {
	if requested != "" {
		if !opts.Supports(requested) {
			return "", errors.Newf(errors.ErrorTypeConfig, "sink does not support update method %s", requested).
				WithDetail("supported", opts.UpdateMethods)
		}
		return requested, nil
	}
	if opts.Supports(sink.BatchFullSet) {
		return sink.BatchFullSet, nil
	}
	if len(opts.UpdateMethods) == 0 {
		return "", errors.New(errors.ErrorTypeConfig, "sink supports no update method")
	}
	return opts.UpdateMethods[0], nil
}

// planStreams drops streams whose update hash matches the prior state and
// computes resume offsets. When existing data is replaced every stream is
// read as soon as one of them changed.
func planStreams(sets []source.StreamSet, prior *sink.State, method sink.UpdateMethod, force, replace bool) []plannedStream {
	var (
		all     []plannedStream
		changed []plannedStream
	)
	for _, set := range sets {
		for _, summary := range set.Streams {
			ps := plannedStream{set: set.Slug, summary: summary}
			st := prior.Lookup(set.Slug, summary.Slug)
			if method == sink.AppendOnlyLog && set.SupportsResume && st != nil && len(st.SchemaStates) > 0 {
				after := st.StreamOffset
				ps.after = &after
			}
			all = append(all, ps)
			if force || !unchanged(st, summary) {
				changed = append(changed, ps)
			}
		}
	}
	if replace && len(changed) > 0 {
		return all
	}
	return changed
}

func unchanged(st *sink.StreamState, summary source.StreamSummary) bool {
	return st != nil && st.UpdateHash != nil && summary.UpdateHash != "" && *st.UpdateHash == summary.UpdateHash
}

// asType keeps structured errors and wraps everything else as errType
func asType(err error, errType errors.ErrorType, msg string) *errors.Error {
	if e, ok := err.(*errors.Error); ok {
		return e
	}
	return errors.Wrap(err, errType, msg)
}

// pipe is the pipeline of one schema
type pipe struct {
	schema   string
	in       chan []models.RecordContext
	writable *sink.Writable
}

type runner struct {
	f        *Fetcher
	req      Request
	plan     *plan
	metrics  *metrics.Collector
	progress *progress
	tracker  *sink.StateTracker

	tracked    chan models.RecordContext
	forwarders sync.WaitGroup

	// pipes and order are only touched by the reader goroutine until the
	// group finished
	pipes   map[string]*pipe
	order   []*pipe
	unknown    map[string]bool
	uncastable map[string]bool

	stopped atomic.Bool
}

func (r *runner) execute(ctx context.Context, result *Result) error {
	f, p := r.f, r.plan

	r.tracker.OnRecord(r.progress.committed)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		r.tracker.Run(ctx, r.tracked)
	}()

	tickerCtx, stopTicker := context.WithCancel(context.Background())
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		r.report(tickerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			f.progress(p.runName, StatusClosing, "")
			for _, pp := range r.order {
				close(pp.in)
			}
			f.progress(p.runName, StatusFlushing, "")
		}()
		return r.read(gctx, g)
	})
	err := g.Wait()

	r.forwarders.Wait()
	close(r.tracked)
	<-trackerDone
	stopTicker()
	<-tickerDone
	f.throughput(r.progress.event())

	result.RecordsReceived = r.progress.receivedBySchema()
	result.StoppedEarly = r.stopped.Load()
	for _, pp := range r.order {
		result.OutputLocations[pp.schema] = pp.writable.OutputLocation
	}
	if err != nil {
		return err
	}

	state := r.tracker.State()
	state.Timestamp = time.Now().UTC()
	if result.StoppedEarly {
		for _, key := range r.tracker.Touched() {
			state.Stream(key[0], key[1]).UpdateHash = nil
		}
	} else {
		for _, ps := range p.streams {
			st := state.Stream(ps.set, ps.summary.Slug)
			st.UpdateHash = nil
			if ps.summary.UpdateHash != "" {
				st.UpdateHash = sink.StringPtr(ps.summary.UpdateHash)
			}
		}
	}

	if err := r.commit(ctx, state); err != nil {
		return err
	}

	result.State = state
	result.RecordsCommitted = result.RecordsReceived
	result.Status = StatusCompleted
	f.progress(p.runName, StatusCompleted, "")
	f.logger.Info("fetch completed",
		zap.Int64("records_received", r.progress.recordsReceived.Load()),
		zap.Int64("bytes_received", r.progress.bytesReceived.Load()),
		zap.Bool("stopped_early", result.StoppedEarly),
		zap.Duration("duration", time.Since(r.progress.start)))
	return nil
}

// commit hands every commit key of the run to the sink in one call
func (r *runner) commit(ctx context.Context, state *sink.State) error {
	var keys []sink.CommitKey
	for _, pp := range r.order {
		if pp.writable.CommitKeys != nil {
			keys = append(keys, pp.writable.CommitKeys()...)
		}
	}

	ctx, span := observability.StartSpan(ctx, "fetch.commit")
	span.SetAttribute("commit_keys", len(keys))
	start := time.Now()
	err := r.plan.sink.CommitAfterWrites(ctx, sink.CommitRequest{
		Settings:            r.req.SinkSettings,
		CommitKeys:          keys,
		StateKey:            r.plan.stateKey,
		NewState:            state,
		UpdateMethod:        r.plan.method,
		ReplaceExistingData: r.req.ReplaceExistingData,
		Job:                 r.req.Job,
	})
	r.metrics.ObserveCommit(time.Since(start), err)
	if err != nil && !errors.HasType(err, errors.ErrorTypeCommit) {
		err = errors.Wrap(err, errors.ErrorTypeCommit, "records were written but the commit did not complete").
			WithDetail("sink", r.plan.sink.Type()).
			WithDetail("state_key", r.plan.stateKey.String())
	}
	span.Finish(err)
	if err != nil {
		r.f.logger.Error("COMMIT FAILED: records were written to the sink but the state was not saved. "+
			"Remove the partially written data from the sink and run the fetch again with force update.",
			zap.String("sink", r.plan.sink.Type()),
			zap.String("state_key", r.plan.stateKey.String()),
			zap.Int("commit_keys", len(keys)),
			zap.Error(err))
		r.req.Job.Print(job.LevelError, "Commit failed after records were written. Clean up the sink and re-run with force update.")
	}
	return err
}

// report emits a throughput event every interval until ctx is done
func (r *runner) report(ctx context.Context) {
	ticker := time.NewTicker(r.f.cfg.Progress.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e := r.progress.event()
			r.metrics.SetThroughput(e.RecordsPerSecond)
			r.f.throughput(e)
		}
	}
}

// read opens every planned stream in order and feeds its records to the
// pipelines. Pipelines are started in g.
func (r *runner) read(ctx context.Context, g *errgroup.Group) error {
	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.f.stopCh:
			cancel()
		case <-srcCtx.Done():
		}
	}()

	for _, ps := range r.plan.streams {
		if r.f.stopRequested() {
			r.stopped.Store(true)
			return nil
		}
		if err := r.readStream(ctx, srcCtx, g, ps); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) readStream(ctx, srcCtx context.Context, g *errgroup.Group, ps plannedStream) (err error) {
	f := r.f
	name := ps.name()
	spanCtx, span := observability.StartSpan(srcCtx, "fetch.stream")
	span.SetAttribute("stream", name)
	defer func() { span.Finish(err) }()

	f.progress(name, StatusOpeningStream, "")
	rs, err := r.req.Source.OpenStream(spanCtx, source.OpenRequest{
		Settings:      r.req.SourceSettings,
		StreamSetSlug: ps.set,
		StreamSlug:    ps.summary.Slug,
		After:         ps.after,
		Callbacks:     r.callbacks(),
		Job:           r.req.Job,
	})
	if err != nil {
		return asType(err, errors.ErrorTypeConnection, "failed to open stream")
	}
	r.tracker.MarkTouched(ps.set, ps.summary.Slug)

	for {
		select {
		case b, ok := <-rs.Batches:
			if !ok {
				return r.streamEnded(rs, name)
			}
			if err := r.route(ctx, g, b); err != nil {
				return err
			}
		case <-f.stopCh:
			r.stopped.Store(true)
			f.logger.Info("stream stopped early", zap.String("stream", name))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamEnded reports the error a source sent after closing its batches
func (r *runner) streamEnded(rs *source.RecordStream, name string) error {
	var err error
	if rs.Errors != nil {
		err = <-rs.Errors
	}
	if err == nil {
		return nil
	}
	if r.f.stopRequested() {
		r.stopped.Store(true)
		return nil
	}
	return asType(err, errors.ErrorTypeConnection, "stream failed").WithDetail("stream", name)
}

func (r *runner) callbacks() source.Callbacks {
	f := r.f
	return source.Callbacks{
		OnStreamStart: func(set, stream string) {
			f.progress(set+"/"+stream, StatusReadingStream, "")
		},
		OnReconnect: func(set, stream string, attempt int) {
			f.progress(set+"/"+stream, StatusReconnecting, fmt.Sprintf("attempt %d", attempt))
		},
		OnWaitingToReconnect: func(set, stream string, wait time.Duration) {
			f.progress(set+"/"+stream, StatusWaitingToReconnect, fmt.Sprintf("retrying in %s", wait))
		},
		OnBytesReceived: func(n int64) {
			r.progress.addBytes(n)
			r.metrics.BytesReceived(n)
		},
	}
}

// route splits a source batch by schema and sends each part to its pipeline.
// Order within a schema is preserved.
func (r *runner) route(ctx context.Context, g *errgroup.Group, b []models.RecordContext) error {
	var (
		slugs []string
		parts = make(map[string][]models.RecordContext)
	)
	for _, rc := range b {
		desc, ok := r.plan.schemas[rc.SchemaSlug]
		if !ok {
			r.warnUnknown(rc)
			continue
		}
		if _, seen := parts[rc.SchemaSlug]; !seen {
			slugs = append(slugs, rc.SchemaSlug)
		}
		converted, failed := schema.ConvertRecord(desc, rc.Record)
		for _, prop := range failed {
			r.warnUncastable(rc, desc, prop)
		}
		rc.Record = converted
		parts[rc.SchemaSlug] = append(parts[rc.SchemaSlug], rc)
	}

	for _, slug := range slugs {
		pp, err := r.pipeFor(ctx, g, slug)
		if err != nil {
			return err
		}
		part := parts[slug]
		r.progress.fed(slug, part)
		r.metrics.RecordsReceived(len(part))
		select {
		case pp.in <- part:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *runner) warnUnknown(rc models.RecordContext) {
	if r.unknown[rc.SchemaSlug] {
		return
	}
	r.unknown[rc.SchemaSlug] = true
	msg := fmt.Sprintf("records of schema %q are not part of the package and are skipped", rc.SchemaSlug)
	r.warn(rc, "unknown-schema:"+rc.SchemaSlug, msg)
}

// warnUncastable reports once per property that a value did not match the
// property's type and is written as read
func (r *runner) warnUncastable(rc models.RecordContext, desc *schema.SchemaDescriptor, prop string) {
	key := rc.SchemaSlug + "." + prop
	if r.uncastable[key] {
		return
	}
	r.uncastable[key] = true
	msg := fmt.Sprintf("value of %s at offset %d does not match type %s and is written unconverted",
		key, rc.Offset, desc.Properties[prop].Format)
	r.f.logger.Warn("value does not match property type",
		zap.String("schema", rc.SchemaSlug),
		zap.String("property", prop),
		zap.Int64("offset", rc.Offset))
	r.warn(rc, "uncastable:"+key, msg)
}

func (r *runner) warn(rc models.RecordContext, onceKey, msg string) {
	if r.req.Job.Session().Once(onceKey) {
		r.req.Job.Print(job.LevelWarning, msg)
	}
	r.f.progress(rc.StreamSetSlug+"/"+rc.StreamSlug, StatusReadingStreamWarning, msg)
}

// pipeFor returns the pipeline of a schema, starting it on first use
func (r *runner) pipeFor(ctx context.Context, g *errgroup.Group, slug string) (*pipe, error) {
	if pp, ok := r.pipes[slug]; ok {
		return pp, nil
	}
	ctx = logger.ContextWith(ctx, logger.SchemaKey, slug)

	writable, err := r.plan.sink.Writable(ctx, sink.WritableRequest{
		Schema:              r.plan.schemas[slug],
		SchemaSlug:          slug,
		Settings:            r.req.SinkSettings,
		UpdateMethod:        r.plan.method,
		ReplaceExistingData: r.req.ReplaceExistingData,
		StateKey:            r.plan.stateKey,
		RunID:               r.f.runID,
		Job:                 r.req.Job,
		Metrics:             r.metrics,
	})
	if err != nil {
		return nil, asType(err, errors.ErrorTypeWrite, "failed to open writer").WithDetail("schema", slug)
	}

	stages := writable.PreStages
	if len(stages) == 0 {
		stages = []sink.Stage{batch.NewObjects[models.RecordContext](r.f.cfg.Batch.MaxSize, r.f.cfg.Batch.MaxDelay)}
	}

	buf := r.f.cfg.Batch.ChannelBuffer
	pp := &pipe{schema: slug, in: make(chan []models.RecordContext, buf), writable: writable}
	r.pipes[slug] = pp
	r.order = append(r.order, pp)

	var in <-chan []models.RecordContext = pp.in
	for _, st := range stages {
		out := make(chan []models.RecordContext, buf)
		stageIn := in
		g.Go(func() error { return st.Run(ctx, stageIn, out) })
		in = out
	}

	forwarded := make(chan models.RecordContext, buf)
	writerIn := in
	g.Go(func() error {
		r.metrics.WriterOpened()
		defer r.metrics.WriterClosed()
		if err := writable.Writer.Run(ctx, writerIn, forwarded); err != nil {
			return asType(err, errors.ErrorTypeWrite, "writer failed").WithDetail("schema", slug)
		}
		return nil
	})

	r.forwarders.Add(1)
	go func() {
		defer r.forwarders.Done()
		for rc := range forwarded {
			r.tracked <- rc
		}
	}()

	r.f.logger.Debug("writer started",
		zap.String("schema", slug),
		zap.String("output", writable.OutputLocation),
		zap.Int("pre_stages", len(stages)))
	return pp, nil
}
