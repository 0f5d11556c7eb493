// Package schema infers record schemas and per-property value statistics.
//
// The Engine consumes record batches tagged with a schema slug and maintains
// one SchemaDescriptor per slug. Property value types only grow during a
// run, except that integer and number observations of the same property are
// merged into number.
package schema

import (
	"sort"
	"time"
)

// ValueType is the discovered type of a single value
type ValueType string

const (
	Null     ValueType = "null"
	Boolean  ValueType = "boolean"
	Integer  ValueType = "integer"
	Number   ValueType = "number"
	String   ValueType = "string"
	Date     ValueType = "date"
	DateTime ValueType = "date-time"
	Object   ValueType = "object"
	Array    ValueType = "array"
)

const (
	// MaxSampleRecords bounds SchemaDescriptor.SampleRecords
	MaxSampleRecords = 100
	// MaxStringOptions bounds the distinct value histogram of a string property
	MaxStringOptions = 50
	// MaxStringOptionLength is the longest value tracked by the histogram
	MaxStringOptionLength = 50
)

// SchemaDescriptor describes one record shape
type SchemaDescriptor struct {
	Title         string                         `json:"title" yaml:"title"`
	Properties    map[string]*PropertyDescriptor `json:"properties" yaml:"properties"`
	RecordCount   int64                          `json:"recordCount" yaml:"recordCount"`
	SampleRecords []map[string]interface{}       `json:"sampleRecords,omitempty" yaml:"sampleRecords,omitempty"`
}

// NewSchemaDescriptor creates an empty schema
func NewSchemaDescriptor(title string) *SchemaDescriptor {
	return &SchemaDescriptor{
		Title:      title,
		Properties: make(map[string]*PropertyDescriptor),
	}
}

// Clone returns a copy that can be rewritten without touching s. Sample
// records are shared.
func (s *SchemaDescriptor) Clone() *SchemaDescriptor {
	out := *s
	out.Properties = make(map[string]*PropertyDescriptor, len(s.Properties))
	for name, p := range s.Properties {
		cp := *p
		cp.Types = make(map[ValueType]*ValueTypeStatistics, len(p.Types))
		for t, stats := range p.Types {
			st := *stats
			if stats.StringOptions != nil {
				st.StringOptions = make(map[string]int64, len(stats.StringOptions))
				for k, v := range stats.StringOptions {
					st.StringOptions[k] = v
				}
			}
			cp.Types[t] = &st
		}
		cp.ContentLabels = append([]ContentLabel(nil), p.ContentLabels...)
		cp.formats = append([]string(nil), p.formats...)
		out.Properties[name] = &cp
	}
	return &out
}

// PropertyNames returns the property names in sorted order
func (s *SchemaDescriptor) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PropertyDescriptor describes one property of a schema
type PropertyDescriptor struct {
	Title             string                            `json:"title" yaml:"title"`
	Types             map[ValueType]*ValueTypeStatistics `json:"types" yaml:"types"`
	Format            string                            `json:"format,omitempty" yaml:"format,omitempty"`
	RecordsNotPresent int64                             `json:"recordsNotPresent" yaml:"recordsNotPresent"`
	ContentLabels     []ContentLabel                    `json:"contentLabels,omitempty" yaml:"contentLabels,omitempty"`

	formats []string
}

// NewPropertyDescriptor creates a property with no observed types
func NewPropertyDescriptor(title string) *PropertyDescriptor {
	return &PropertyDescriptor{
		Title: title,
		Types: make(map[ValueType]*ValueTypeStatistics),
	}
}

// ValueTypes returns the observed value types in sorted order
func (p *PropertyDescriptor) ValueTypes() []ValueType {
	types := make([]ValueType, 0, len(p.Types))
	for t := range p.Types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NonNullTypes returns the observed value types other than null
func (p *PropertyDescriptor) NonNullTypes() []ValueType {
	types := p.ValueTypes()
	out := types[:0]
	for _, t := range types {
		if t != Null {
			out = append(out, t)
		}
	}
	return out
}

// Nullable reports whether the property was missing or null in any record
func (p *PropertyDescriptor) Nullable() bool {
	_, hasNull := p.Types[Null]
	return hasNull || p.RecordsNotPresent > 0
}

// HasLabel reports whether a visible label with the given id is attached
func (p *PropertyDescriptor) HasLabel(label string) bool {
	for _, l := range p.ContentLabels {
		if l.Label == label && !l.Hidden {
			return true
		}
	}
	return false
}

// ValueTypeStatistics holds the statistics for one value type of a property.
// Only the fields for ValueType are populated.
type ValueTypeStatistics struct {
	ValueType   ValueType `json:"valueType" yaml:"valueType"`
	RecordCount int64     `json:"recordCount" yaml:"recordCount"`

	StringMinLength *int             `json:"stringMinLength,omitempty" yaml:"stringMinLength,omitempty"`
	StringMaxLength *int             `json:"stringMaxLength,omitempty" yaml:"stringMaxLength,omitempty"`
	StringOptions   map[string]int64 `json:"stringOptions,omitempty" yaml:"stringOptions,omitempty"`

	// StringOptionsDisabled stays true for the rest of the run once set
	StringOptionsDisabled bool `json:"-" yaml:"-"`

	NumberMin          *float64 `json:"numberMin,omitempty" yaml:"numberMin,omitempty"`
	NumberMax          *float64 `json:"numberMax,omitempty" yaml:"numberMax,omitempty"`
	NumberMaxPrecision *int     `json:"numberMaxPrecision,omitempty" yaml:"numberMaxPrecision,omitempty"`
	NumberMaxScale     *int     `json:"numberMaxScale,omitempty" yaml:"numberMaxScale,omitempty"`

	BooleanTrueCount  int64 `json:"booleanTrueCount,omitempty" yaml:"booleanTrueCount,omitempty"`
	BooleanFalseCount int64 `json:"booleanFalseCount,omitempty" yaml:"booleanFalseCount,omitempty"`

	DateMin *time.Time `json:"dateMin,omitempty" yaml:"dateMin,omitempty"`
	DateMax *time.Time `json:"dateMax,omitempty" yaml:"dateMax,omitempty"`
}

// ContentLabel is a detected sensitivity or semantic category
type ContentLabel struct {
	Label        string `json:"label" yaml:"label"`
	Occurrences  int64  `json:"occurrencesDetected" yaml:"occurrencesDetected"`
	ValuesTested int64  `json:"valuesTestedCount" yaml:"valuesTestedCount"`
	// Hidden is a user override that survives re-detection
	Hidden   bool   `json:"hidden" yaml:"hidden"`
	Detector string `json:"appliedByContentDetector,omitempty" yaml:"appliedByContentDetector,omitempty"`
}

// LabelObserver receives every converted value the engine sees and merges
// its findings into the schemas when the stream ends.
type LabelObserver interface {
	Observe(schemaSlug, property string, valueType ValueType, value interface{})
	Merge(schemas map[string]*SchemaDescriptor)
}
