// Package labels detects sensitivity and content categories of schema
// properties.
//
// A Registry maps heuristic factories to the value types they apply to. The
// Detector creates one heuristic instance per (schema, property, value type)
// the first time such a value is observed, feeds it values, and merges the
// findings into the schema's content labels once the stream ends.
package labels

import (
	"sync"

	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// Heuristic accumulates evidence for one label on one property and value type
type Heuristic interface {
	// Inspect tests one converted value
	Inspect(value interface{})
	// ThresholdMet reports whether enough evidence was collected to emit a label
	ThresholdMet() bool
	// Result returns the label computed so far
	Result() schema.ContentLabel
	// NameBased reports whether the heuristic ignores value content
	NameBased() bool
}

// Factory creates heuristic instances for a property
type Factory struct {
	// ID identifies the detector; it is written to ContentLabel.Detector
	ID         string
	Label      string
	ValueTypes []schema.ValueType
	New        func(property string) Heuristic
}

// Registry holds heuristic factories keyed by value type. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
	byType    map[schema.ValueType][]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byType: make(map[schema.ValueType][]int)}
}

// Register adds a factory
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = append(r.factories, f)
	for _, vt := range f.ValueTypes {
		r.byType[vt] = append(r.byType[vt], len(r.factories)-1)
	}
}

// For returns the factories applying to a value type in registration order
func (r *Registry) For(vt schema.ValueType) []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.byType[vt]
	out := make([]Factory, len(idx))
	for i, j := range idx {
		out[i] = r.factories[j]
	}
	return out
}

// IDs returns every registered detector id
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.factories))
	for i, f := range r.factories {
		ids[i] = f.ID
	}
	return ids
}

// DefaultRegistry returns a registry with every built-in heuristic
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range regexFactories() {
		r.Register(f)
	}
	for _, f := range nameFactories() {
		r.Register(f)
	}
	return r
}
