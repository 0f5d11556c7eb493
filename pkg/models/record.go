// Package models provides the record types shared by sources, the inference
// engine, the fetch orchestrator and sinks.
package models

import (
	"time"
)

// RecordContext is one record together with where it came from.
type RecordContext struct {
	// SchemaSlug identifies the record shape within the package
	SchemaSlug string `json:"schemaSlug"`

	// StreamSetSlug and StreamSlug identify the source subdivision the record
	// was read from
	StreamSetSlug string `json:"streamSetSlug"`
	StreamSlug    string `json:"streamSlug"`

	// Offset is the record's position in its stream. Sources that cannot
	// resume leave it at zero.
	Offset int64 `json:"offset"`

	// Record holds the values keyed by property name
	Record map[string]interface{} `json:"record"`

	ReceivedDate time.Time `json:"receivedDate"`
}

// Clone returns a copy with its own top-level Record map.
func (r RecordContext) Clone() RecordContext {
	values := make(map[string]interface{}, len(r.Record))
	for k, v := range r.Record {
		values[k] = v
	}
	r.Record = values
	return r
}

// Records extracts the value maps of a batch
func Records(batch []RecordContext) []map[string]interface{} {
	out := make([]map[string]interface{}, len(batch))
	for i := range batch {
		out[i] = batch[i].Record
	}
	return out
}
