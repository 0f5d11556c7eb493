package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/metrics"
	"github.com/big-armor/datapm-sub007/pkg/models"
)

// FlushFunc durably persists one group of records
type FlushFunc func(ctx context.Context, group []models.RecordContext) error

// GroupWriter is a Writer for sinks that persist one incoming batch at a
// time. Each batch received is one group.
type GroupWriter struct {
	flush   FlushFunc
	close   func(ctx context.Context) error
	logger  *zap.Logger
	metrics *metrics.Collector
	schema  string
	written int64
}

// GroupWriterOption configures a GroupWriter
type GroupWriterOption func(*GroupWriter)

// WithClose sets a function called once after the last group was flushed,
// or after a failure. Its error fails the writer when no earlier error did.
func WithClose(fn func(ctx context.Context) error) GroupWriterOption {
	return func(w *GroupWriter) { w.close = fn }
}

// WithWriterLogger sets the writer logger
func WithWriterLogger(l *zap.Logger) GroupWriterOption {
	return func(w *GroupWriter) { w.logger = l }
}

// WithMetrics reports flushes to c under the schema slug
func WithMetrics(c *metrics.Collector, schemaSlug string) GroupWriterOption {
	return func(w *GroupWriter) {
		w.metrics = c
		w.schema = schemaSlug
	}
}

// NewGroupWriter creates a group writer
func NewGroupWriter(flush FlushFunc, opts ...GroupWriterOption) *GroupWriter {
	w := &GroupWriter{flush: flush, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Written returns the number of records persisted so far
func (w *GroupWriter) Written() int64 { return w.written }

// Run implements Writer
func (w *GroupWriter) Run(ctx context.Context, in <-chan []models.RecordContext, out chan<- models.RecordContext) (err error) {
	defer close(out)
	defer func() {
		if w.close == nil {
			return
		}
		if cerr := w.close(ctx); cerr != nil && err == nil {
			err = errors.Wrap(cerr, errors.ErrorTypeWrite, "failed to close writer")
		}
	}()

	for {
		var (
			group []models.RecordContext
			ok    bool
		)
		select {
		case group, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}
		if len(group) == 0 {
			continue
		}

		start := time.Now()
		ferr := w.flush(ctx, group)
		if w.metrics != nil {
			w.metrics.ObserveFlush(time.Since(start), ferr)
		}
		if ferr != nil {
			if errors.TypeOf(ferr) == errors.ErrorTypeWrite {
				return ferr
			}
			return errors.Wrap(ferr, errors.ErrorTypeWrite, "failed to flush record group").
				WithDetail("records", len(group))
		}
		w.written += int64(len(group))
		if w.metrics != nil {
			w.metrics.RecordsWritten(w.schema, len(group))
		}

		select {
		case out <- group[len(group)-1]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
