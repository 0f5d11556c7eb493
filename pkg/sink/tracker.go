package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/models"
)

// StateTracker is the only writer of a run's State. It consumes the records
// writers forward after durable flushes and advances stream and schema
// offsets.
type StateTracker struct {
	state  *State
	logger *zap.Logger

	mu        sync.Mutex
	touched   map[[2]string]bool
	forwarded map[string]int64
	onRecord  func(models.RecordContext)
}

// NewStateTracker creates a tracker mutating state
func NewStateTracker(state *State, logger *zap.Logger) *StateTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateTracker{
		state:     state,
		logger:    logger,
		touched:   make(map[[2]string]bool),
		forwarded: make(map[string]int64),
	}
}

// OnRecord registers a callback invoked for every tracked record. It must be
// set before Run.
func (t *StateTracker) OnRecord(fn func(models.RecordContext)) {
	t.onRecord = fn
}

// Run consumes in until it is closed. Cancellation of ctx does not stop
// tracking: records already durably written must still be accounted for.
func (t *StateTracker) Run(_ context.Context, in <-chan models.RecordContext) {
	for rc := range in {
		t.Track(rc)
	}
}

// Track applies one durably written record to the state
func (t *StateTracker) Track(rc models.RecordContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state.Stream(rc.StreamSetSlug, rc.StreamSlug)
	if rc.Offset > st.StreamOffset {
		st.StreamOffset = rc.Offset
	}
	ss := st.Schema(rc.SchemaSlug)
	if rc.Offset > ss.LastOffset {
		ss.LastOffset = rc.Offset
	}

	t.touched[[2]string{rc.StreamSetSlug, rc.StreamSlug}] = true
	t.forwarded[rc.SchemaSlug]++

	if t.onRecord != nil {
		t.onRecord(rc)
	}
}

// MarkTouched records that a stream was opened in this run even if no record
// of it reached a writer
func (t *StateTracker) MarkTouched(streamSetSlug, streamSlug string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Stream(streamSetSlug, streamSlug)
	t.touched[[2]string{streamSetSlug, streamSlug}] = true
}

// Touched returns the stream set and stream slugs seen in this run
func (t *StateTracker) Touched() [][2]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][2]string, 0, len(t.touched))
	for k := range t.touched {
		out = append(out, k)
	}
	return out
}

// Forwarded returns the number of records forwarded per schema slug
func (t *StateTracker) Forwarded() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.forwarded))
	for k, v := range t.forwarded {
		out[k] = v
	}
	return out
}

// State returns the tracked state
func (t *StateTracker) State() *State {
	return t.state
}
