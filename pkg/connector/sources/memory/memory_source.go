// Package memory is a source serving records held in process memory
package memory

import (
	"context"
	"time"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

// SourceType is the registry identifier of this source
const SourceType = "memory"

// Stream is one stream of records. Each batch is emitted as one unit; the
// records of a stream are numbered from 0 across batches.
type Stream struct {
	Slug       string
	UpdateHash string
	SchemaSlug string
	Batches    [][]map[string]interface{}
}

// Records returns the number of records of the stream
func (s Stream) Records() int64 {
	var n int64
	for _, b := range s.Batches {
		n += int64(len(b))
	}
	return n
}

// StreamSet groups streams
type StreamSet struct {
	Slug    string
	Streams []Stream
}

// Source implements source.Source
type Source struct {
	sets []StreamSet
	// BeforeBatch is called before each batch is sent and may block. An
	// error ends the stream with that error.
	BeforeBatch func(ctx context.Context, streamSlug string, index int) error
}

// NewSource creates a source serving sets
func NewSource(sets ...StreamSet) *Source {
	return &Source{sets: sets}
}

func (s *Source) Type() string { return SourceType }

func (s *Source) Validate(core.Settings) error { return nil }

func (s *Source) StreamSets(context.Context, core.Settings) ([]source.StreamSet, error) {
	out := make([]source.StreamSet, 0, len(s.sets))
	for _, set := range s.sets {
		ss := source.StreamSet{Slug: set.Slug, SupportsResume: true}
		for _, st := range set.Streams {
			ss.Streams = append(ss.Streams, source.StreamSummary{
				Slug:            st.Slug,
				UpdateHash:      st.UpdateHash,
				ExpectedRecords: st.Records(),
			})
		}
		out = append(out, ss)
	}
	return out, nil
}

func (s *Source) find(setSlug, streamSlug string) (Stream, bool) {
	for _, set := range s.sets {
		if set.Slug != setSlug {
			continue
		}
		for _, st := range set.Streams {
			if st.Slug == streamSlug {
				return st, true
			}
		}
	}
	return Stream{}, false
}

func (s *Source) OpenStream(ctx context.Context, req source.OpenRequest) (*source.RecordStream, error) {
	st, ok := s.find(req.StreamSetSlug, req.StreamSlug)
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "unknown stream").
			WithDetail("streamSet", req.StreamSetSlug).
			WithDetail("stream", req.StreamSlug)
	}

	batches := make(chan []models.RecordContext)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(batches)

		req.Callbacks.StreamStart(req.StreamSetSlug, req.StreamSlug)
		var offset int64
		for i, values := range st.Batches {
			if s.BeforeBatch != nil {
				if err := s.BeforeBatch(ctx, st.Slug, i); err != nil {
					errCh <- err
					return
				}
			}
			batch := make([]models.RecordContext, 0, len(values))
			for _, v := range values {
				off := offset
				offset++
				if req.After != nil && off <= *req.After {
					continue
				}
				batch = append(batch, models.RecordContext{
					SchemaSlug:    st.SchemaSlug,
					StreamSetSlug: req.StreamSetSlug,
					StreamSlug:    req.StreamSlug,
					Offset:        off,
					Record:        v,
					ReceivedDate:  time.Now().UTC(),
				})
			}
			if len(batch) == 0 {
				continue
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &source.RecordStream{Batches: batches, Errors: errCh}, nil
}
