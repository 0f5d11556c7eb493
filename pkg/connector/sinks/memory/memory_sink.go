// Package memory is a sink keeping everything in process memory. Written
// records stay staged until CommitAfterWrites promotes them, the same as for
// the durable sinks. Failures can be injected per schema and at commit.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// SinkType is the registry identifier of this sink
const SinkType = "memory"

const (
	keySchema = "schema"
	keyRun    = "run"
	keyPart   = "part"
)

// Sink implements sink.Sink
type Sink struct {
	mu sync.Mutex

	stronglyTyped bool
	options       sink.StreamOptions
	keysPerWriter int
	writeFailures map[string]error
	commitFailure error

	staged    map[string][]models.RecordContext
	committed map[string][]models.RecordContext
	states    map[sink.StateKey]*sink.State
	commits   []sink.CommitRequest
	writables []sink.WritableRequest
}

// Option configures a Sink
type Option func(*Sink)

// WithStronglyTyped makes the sink report itself as strongly typed
func WithStronglyTyped(typed bool) Option {
	return func(s *Sink) { s.stronglyTyped = typed }
}

// WithUpdateMethods restricts the supported update methods
func WithUpdateMethods(methods ...sink.UpdateMethod) Option {
	return func(s *Sink) { s.options.UpdateMethods = methods }
}

// WithKeysPerWriter makes every writer return n commit keys
func WithKeysPerWriter(n int) Option {
	return func(s *Sink) { s.keysPerWriter = n }
}

// WithWriteFailure fails the writer of schemaSlug on its first group
func WithWriteFailure(schemaSlug string, err error) Option {
	return func(s *Sink) { s.writeFailures[schemaSlug] = err }
}

// WithCommitFailure fails CommitAfterWrites
func WithCommitFailure(err error) Option {
	return func(s *Sink) { s.commitFailure = err }
}

// WithState seeds a persisted state
func WithState(key sink.StateKey, state *sink.State) Option {
	return func(s *Sink) { s.states[key] = state }
}

// NewSink creates an empty in-memory sink
func NewSink(opts ...Option) *Sink {
	s := &Sink{
		options: sink.StreamOptions{
			UpdateMethods:              []sink.UpdateMethod{sink.BatchFullSet, sink.AppendOnlyLog},
			StreamSetProcessingMethods: []sink.StreamSetProcessingMethod{sink.PerStream},
		},
		keysPerWriter: 1,
		writeFailures: make(map[string]error),
		staged:        make(map[string][]models.RecordContext),
		committed:     make(map[string][]models.RecordContext),
		states:        make(map[sink.StateKey]*sink.State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Type() string { return SinkType }

func (s *Sink) Validate(core.Settings) error { return nil }

func (s *Sink) IsStronglyTyped(core.Settings) bool { return s.stronglyTyped }

func (s *Sink) SupportedStreamOptions(core.Settings, *sink.State) sink.StreamOptions {
	return s.options
}

func stagedKey(runID, schemaSlug string) string { return runID + "/" + schemaSlug }

// Writable returns a writer staging every group under the run id
func (s *Sink) Writable(_ context.Context, req sink.WritableRequest) (*sink.Writable, error) {
	s.mu.Lock()
	s.writables = append(s.writables, req)
	failure := s.writeFailures[req.SchemaSlug]
	keys := s.keysPerWriter
	s.mu.Unlock()

	key := stagedKey(req.RunID, req.SchemaSlug)
	flush := func(_ context.Context, group []models.RecordContext) error {
		if failure != nil {
			return failure
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, rc := range group {
			s.staged[key] = append(s.staged[key], rc.Clone())
		}
		return nil
	}

	return &sink.Writable{
		Writer:         sink.NewGroupWriter(flush, sink.WithMetrics(req.Metrics, req.SchemaSlug)),
		OutputLocation: "memory://" + req.SchemaSlug,
		CommitKeys: func() []sink.CommitKey {
			out := make([]sink.CommitKey, keys)
			for i := range out {
				out[i] = sink.CommitKey{keySchema: req.SchemaSlug, keyRun: req.RunID, keyPart: i}
			}
			return out
		},
	}, nil
}

// CommitAfterWrites promotes the staged records named by the keys and
// stores the new state
func (s *Sink) CommitAfterWrites(_ context.Context, req sink.CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits = append(s.commits, req)
	if s.commitFailure != nil {
		return s.commitFailure
	}

	promoted := make(map[string]bool)
	for _, key := range req.CommitKeys {
		schemaSlug, _ := key[keySchema].(string)
		runID, _ := key[keyRun].(string)
		if schemaSlug == "" {
			return errors.Newf(errors.ErrorTypeInternal, "malformed commit key: %v", map[string]interface{}(key))
		}
		sk := stagedKey(runID, schemaSlug)
		if promoted[sk] {
			continue
		}
		promoted[sk] = true
		if req.ReplaceExistingData {
			s.committed[schemaSlug] = nil
		}
		s.committed[schemaSlug] = append(s.committed[schemaSlug], s.staged[sk]...)
		delete(s.staged, sk)
	}

	if req.NewState != nil {
		s.states[req.StateKey] = req.NewState.Clone()
	}
	return nil
}

func (s *Sink) SinkState(_ context.Context, req sink.StateRequest) (*sink.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[req.StateKey]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// Records returns the committed records of a schema
func (s *Sink) Records(schemaSlug string) []models.RecordContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RecordContext(nil), s.committed[schemaSlug]...)
}

// Staged returns the number of records written but not committed
func (s *Sink) Staged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, recs := range s.staged {
		n += len(recs)
	}
	return n
}

// Schemas returns the slugs with committed records, sorted
func (s *Sink) Schemas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.committed))
	for slug := range s.committed {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Commits returns every CommitAfterWrites call received
func (s *Sink) Commits() []sink.CommitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.CommitRequest(nil), s.commits...)
}

// Writables returns every Writable request received
func (s *Sink) Writables() []sink.WritableRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.WritableRequest(nil), s.writables...)
}

// State returns the persisted state of key, or nil
func (s *Sink) State(key sink.StateKey) *sink.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}
