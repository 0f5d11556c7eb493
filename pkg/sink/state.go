package sink

import (
	"time"

	"github.com/big-armor/datapm-sub007/pkg/json"
)

// State is what a sink persists after a successful commit so the next run
// can skip unchanged streams and resume append-only streams.
type State struct {
	PackageVersion string                     `json:"packageVersion"`
	Timestamp      time.Time                  `json:"timestamp"`
	StreamSets     map[string]*StreamSetState `json:"streamSets"`
}

// StreamSetState holds the state of each stream of a stream set
type StreamSetState struct {
	StreamStates map[string]*StreamState `json:"streamStates"`
}

// StreamState is the progress of one stream. A nil UpdateHash means the next
// run must not treat the stream as unchanged.
type StreamState struct {
	StreamOffset int64                   `json:"streamOffset"`
	UpdateHash   *string                 `json:"updateHash,omitempty"`
	SchemaStates map[string]*SchemaState `json:"schemaStates"`
}

// SchemaState is the progress of one schema within a stream
type SchemaState struct {
	LastOffset int64 `json:"lastOffset"`
}

// NewState creates an empty state
func NewState(packageVersion string) *State {
	return &State{
		PackageVersion: packageVersion,
		Timestamp:      time.Now().UTC(),
		StreamSets:     make(map[string]*StreamSetState),
	}
}

// Stream returns the state of a stream, creating it when absent
func (s *State) Stream(streamSetSlug, streamSlug string) *StreamState {
	if s.StreamSets == nil {
		s.StreamSets = make(map[string]*StreamSetState)
	}
	set, ok := s.StreamSets[streamSetSlug]
	if !ok {
		set = &StreamSetState{StreamStates: make(map[string]*StreamState)}
		s.StreamSets[streamSetSlug] = set
	}
	if set.StreamStates == nil {
		set.StreamStates = make(map[string]*StreamState)
	}
	st, ok := set.StreamStates[streamSlug]
	if !ok {
		st = &StreamState{SchemaStates: make(map[string]*SchemaState)}
		set.StreamStates[streamSlug] = st
	}
	return st
}

// Lookup returns the state of a stream or nil. s may be nil.
func (s *State) Lookup(streamSetSlug, streamSlug string) *StreamState {
	if s == nil {
		return nil
	}
	set, ok := s.StreamSets[streamSetSlug]
	if !ok {
		return nil
	}
	return set.StreamStates[streamSlug]
}

// Schema returns the state of a schema within the stream, creating it when
// absent
func (st *StreamState) Schema(schemaSlug string) *SchemaState {
	if st.SchemaStates == nil {
		st.SchemaStates = make(map[string]*SchemaState)
	}
	ss, ok := st.SchemaStates[schemaSlug]
	if !ok {
		ss = &SchemaState{}
		st.SchemaStates[schemaSlug] = ss
	}
	return ss
}

// Clone returns a deep copy. s may be nil.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		PackageVersion: s.PackageVersion,
		Timestamp:      s.Timestamp,
		StreamSets:     make(map[string]*StreamSetState, len(s.StreamSets)),
	}
	for setSlug, set := range s.StreamSets {
		cs := &StreamSetState{StreamStates: make(map[string]*StreamState, len(set.StreamStates))}
		for streamSlug, st := range set.StreamStates {
			cst := &StreamState{
				StreamOffset: st.StreamOffset,
				SchemaStates: make(map[string]*SchemaState, len(st.SchemaStates)),
			}
			if st.UpdateHash != nil {
				h := *st.UpdateHash
				cst.UpdateHash = &h
			}
			for schemaSlug, ss := range st.SchemaStates {
				cst.SchemaStates[schemaSlug] = &SchemaState{LastOffset: ss.LastOffset}
			}
			cs.StreamStates[streamSlug] = cst
		}
		out.StreamSets[setSlug] = cs
	}
	return out
}

// MarshalState encodes a state as JSON
func MarshalState(s *State) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a state encoded by MarshalState
func UnmarshalState(data []byte) (*State, error) {
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.StreamSets == nil {
		s.StreamSets = make(map[string]*StreamSetState)
	}
	return s, nil
}

// StringPtr returns a pointer to v
func StringPtr(v string) *string { return &v }
