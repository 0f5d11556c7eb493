package objectstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/batch"
	"github.com/big-armor/datapm-sub007/pkg/compression"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/json"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/metrics"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// Commit key fields
const (
	keySchema = "schema"
	keyStaged = "staged"
	keyFinal  = "final"
)

// stager uploads parts under the run's staging prefix and remembers a
// commit key for each of them.
type stager struct {
	store      Store
	layout     layout
	runID      string
	schemaSlug string
	format     FileFormat
	algorithm  compression.Algorithm
	compressor compression.Compressor
	logger     *zap.Logger

	mu   sync.Mutex
	seq  int
	keys []sink.CommitKey
}

func (s *stager) upload(ctx context.Context, data []byte, records int) error {
	if s.compressor != nil {
		compressed, err := s.compressor.Compress(data)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to compress part")
		}
		data = compressed
	}

	s.mu.Lock()
	s.seq++
	name := partName(s.runID, s.seq, s.format, s.algorithm)
	s.mu.Unlock()

	staged := s.layout.stagedPart(s.runID, s.schemaSlug, name)
	if err := s.store.Put(ctx, staged, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "failed to upload part").
			WithDetail("key", staged)
	}

	s.mu.Lock()
	s.keys = append(s.keys, sink.CommitKey{
		keySchema: s.schemaSlug,
		keyStaged: staged,
		keyFinal:  s.layout.finalPart(s.schemaSlug, name),
	})
	s.mu.Unlock()

	logger.FromContext(ctx, s.logger).Debug("part staged",
		zap.String("key", staged),
		zap.Int("records", records),
		zap.Int("bytes", len(data)))
	return nil
}

func (s *stager) commitKeys() []sink.CommitKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.CommitKey, len(s.keys))
	copy(out, s.keys)
	return out
}

type pendingRecord struct {
	end int64
	rc  models.RecordContext
}

// lineWriter encodes records as JSON lines and cuts parts on line
// boundaries once partSize bytes are buffered. After each part is staged
// the last record fully contained in it is forwarded.
type lineWriter struct {
	stager  *stager
	buffer  *batch.Bytes
	metrics *metrics.Collector

	pending  []pendingRecord
	appended int64
	staged   int64
}

func newLineWriter(st *stager, partSize int, m *metrics.Collector) *lineWriter {
	return &lineWriter{
		stager:  st,
		buffer:  batch.NewBytes(partSize, []byte("\n")),
		metrics: m,
	}
}

func (w *lineWriter) Run(ctx context.Context, in <-chan []models.RecordContext, out chan<- models.RecordContext) error {
	defer close(out)

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
			break
		}
		if len(group) == 0 {
			continue
		}

		lengths, data, err := json.LineLengths(models.Records(group))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeWrite, "failed to encode records")
		}
		for i, n := range lengths {
			w.appended += int64(n)
			w.pending = append(w.pending, pendingRecord{end: w.appended, rc: group[i]})
		}
		if part := w.buffer.Write(data); part != nil {
			if err := w.stage(ctx, part, out); err != nil {
				return err
			}
		}
	}

	if part := w.buffer.Flush(); len(part) > 0 {
		return w.stage(ctx, part, out)
	}
	return nil
}

func (w *lineWriter) stage(ctx context.Context, part []byte, out chan<- models.RecordContext) error {
	w.staged += int64(len(part))
	n := 0
	for n < len(w.pending) && w.pending[n].end <= w.staged {
		n++
	}

	start := time.Now()
	err := w.stager.upload(ctx, part, n)
	if w.metrics != nil {
		w.metrics.ObserveFlush(time.Since(start), err)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if w.metrics != nil {
		w.metrics.RecordsWritten(w.stager.schemaSlug, n)
	}

	last := w.pending[n-1].rc
	w.pending = w.pending[n:]
	select {
	case out <- last:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
