package schema

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/models"
)

// Engine builds schemas from record batches. It is safe for concurrent use,
// but records of one schema must arrive in order for the sample list to be
// meaningful.
type Engine struct {
	mu         sync.Mutex
	schemas    map[string]*SchemaDescriptor
	prior      map[string]*SchemaDescriptor
	observer   LabelObserver
	logger     *zap.Logger
	maxSamples int
}

// Option configures an Engine
type Option func(*Engine)

// WithLabelObserver feeds every non-null converted value to o
func WithLabelObserver(o LabelObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPrior carries the content labels of previously inferred schemas onto
// the matching properties, so label merging can honour earlier overrides.
func WithPrior(prior map[string]*SchemaDescriptor) Option {
	return func(e *Engine) { e.prior = prior }
}

// WithMaxSampleRecords overrides the sample list bound
func WithMaxSampleRecords(n int) Option {
	return func(e *Engine) { e.maxSamples = n }
}

// NewEngine creates an inference engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		schemas:    make(map[string]*SchemaDescriptor),
		logger:     zap.NewNop(),
		maxSamples: MaxSampleRecords,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process updates the schemas with batch and returns the records converted
// to their discovered types.
func (e *Engine) Process(batch []models.RecordContext) []models.RecordContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.RecordContext, len(batch))
	for i, rc := range batch {
		out[i] = e.processRecord(rc)
	}
	return out
}

// Run consumes batches until in is closed. Converted batches are forwarded
// to out when it is not nil; out is closed on return.
func (e *Engine) Run(ctx context.Context, in <-chan []models.RecordContext, out chan<- []models.RecordContext) error {
	if out != nil {
		defer close(out)
	}

	for {
		select {
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			converted := e.Process(batch)
			if out == nil {
				continue
			}
			select {
			case out <- converted:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Finish runs the label merge over every schema and returns them keyed by
// schema slug.
func (e *Engine) Finish() map[string]*SchemaDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.observer != nil {
		e.observer.Merge(e.schemas)
	}
	for slug, s := range e.schemas {
		e.logger.Debug("schema inferred",
			zap.String("schema", slug),
			zap.Int64("records", s.RecordCount),
			zap.Int("properties", len(s.Properties)))
	}
	return e.schemas
}

// Schemas returns the schemas inferred so far
func (e *Engine) Schemas() map[string]*SchemaDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schemas
}

func (e *Engine) processRecord(rc models.RecordContext) models.RecordContext {
	desc, ok := e.schemas[rc.SchemaSlug]
	if !ok {
		desc = NewSchemaDescriptor(rc.SchemaSlug)
		e.schemas[rc.SchemaSlug] = desc
	}

	converted := make(map[string]interface{}, len(rc.Record))
	for name, raw := range rc.Record {
		prop, ok := desc.Properties[name]
		if !ok {
			prop = e.newProperty(rc.SchemaSlug, name)
			prop.RecordsNotPresent = desc.RecordCount
			desc.Properties[name] = prop
		}

		vt, value := Classify(raw)
		vt = prop.observe(vt, value)
		converted[name] = value

		if e.observer != nil && vt != Null {
			e.observer.Observe(rc.SchemaSlug, name, vt, value)
		}
	}

	for name, prop := range desc.Properties {
		if _, present := rc.Record[name]; !present {
			prop.RecordsNotPresent++
		}
	}

	desc.RecordCount++
	if len(desc.SampleRecords) < e.maxSamples {
		desc.SampleRecords = append(desc.SampleRecords, converted)
	}

	rc.Record = converted
	return rc
}

func (e *Engine) newProperty(schemaSlug, name string) *PropertyDescriptor {
	prop := NewPropertyDescriptor(name)
	if prior, ok := e.prior[schemaSlug]; ok {
		if p, ok := prior.Properties[name]; ok && len(p.ContentLabels) > 0 {
			prop.ContentLabels = append([]ContentLabel(nil), p.ContentLabels...)
		}
	}
	return prop
}

// observe records one converted value and returns the type it was counted
// under, which differs from vt when integer values are widened to number.
func (p *PropertyDescriptor) observe(vt ValueType, value interface{}) ValueType {
	if vt == Integer {
		if _, widened := p.Types[Number]; widened {
			vt = Number
		}
	}

	stats, ok := p.Types[vt]
	if !ok {
		stats = newStatistics(vt)
		p.Types[vt] = stats
		if vt == Number {
			p.widen()
		}
	}
	stats.observe(value)
	p.addFormat(Format(vt))
	return vt
}

// widen merges integer statistics into number statistics
func (p *PropertyDescriptor) widen() {
	ints, ok := p.Types[Integer]
	if !ok {
		return
	}
	num, ok := p.Types[Number]
	if !ok {
		num = newStatistics(Number)
		p.Types[Number] = num
	}
	num.absorb(ints)
	delete(p.Types, Integer)
	p.replaceFormat(string(Integer), string(Number))
}

func (p *PropertyDescriptor) addFormat(f string) {
	if f == "" {
		return
	}
	if p.formats == nil && p.Format != "" {
		p.formats = strings.Split(p.Format, ",")
	}
	for _, existing := range p.formats {
		if existing == f {
			return
		}
	}
	p.formats = append(p.formats, f)
	p.Format = strings.Join(p.formats, ",")
}

func (p *PropertyDescriptor) replaceFormat(from, to string) {
	if p.formats == nil && p.Format != "" {
		p.formats = strings.Split(p.Format, ",")
	}
	out := p.formats[:0]
	seen := make(map[string]bool, len(p.formats))
	for _, f := range p.formats {
		if f == from {
			f = to
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	p.formats = out
	p.Format = strings.Join(p.formats, ",")
}
