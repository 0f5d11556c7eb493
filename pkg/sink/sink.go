// Package sink defines the contract every destination implements and the
// shared pieces of the write and commit protocol.
//
// For each schema in a run the orchestrator asks the sink for a Writable,
// chains its pre-stages ahead of its Writer and feeds it record batches. A
// Writer persists records in groups and forwards the last record of each
// durably persisted group; a StateTracker turns those records into State.
// Once every writer has finished, the commit keys of all writers are handed
// to CommitAfterWrites in a single call, which promotes staged data and then
// persists the new State.
package sink

import (
	"context"
	"fmt"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/metrics"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// UpdateMethod is how a sink applies new data to what it already holds
type UpdateMethod string

const (
	// BatchFullSet replaces or appends the full data set on every run
	BatchFullSet UpdateMethod = "BATCH_FULL_SET"
	// AppendOnlyLog appends new records after the last persisted offset
	AppendOnlyLog UpdateMethod = "APPEND_ONLY_LOG"
	// CDCUpsertFullSet upserts records of a full set by key
	CDCUpsertFullSet UpdateMethod = "CDC_UPSERT_FULL_SET"
)

// StreamSetProcessingMethod is how a sink groups the streams of a stream set
type StreamSetProcessingMethod string

const (
	PerStream    StreamSetProcessingMethod = "PER_STREAM"
	PerStreamSet StreamSetProcessingMethod = "PER_STREAM_SET"
)

// StreamOptions lists what a sink supports for a given configuration
type StreamOptions struct {
	UpdateMethods              []UpdateMethod
	StreamSetProcessingMethods []StreamSetProcessingMethod
}

// Supports reports whether m is among the update methods
func (o StreamOptions) Supports(m UpdateMethod) bool {
	for _, u := range o.UpdateMethods {
		if u == m {
			return true
		}
	}
	return false
}

// CommitKey is an opaque token a writer returns for the commit phase of the
// same sink
type CommitKey map[string]interface{}

// StateKey identifies the package version a State belongs to
type StateKey struct {
	CatalogSlug  string `json:"catalogSlug"`
	PackageSlug  string `json:"packageSlug"`
	MajorVersion int    `json:"majorVersion"`
}

func (k StateKey) String() string {
	return fmt.Sprintf("%s/%s/v%d", k.CatalogSlug, k.PackageSlug, k.MajorVersion)
}

// Writer persists record batches. Run returns when in is closed and every
// record was persisted, and closes out on return. After each durably
// persisted group it sends the last record of that group on out.
type Writer interface {
	Run(ctx context.Context, in <-chan []models.RecordContext, out chan<- models.RecordContext) error
}

// Stage transforms record batches ahead of a Writer and closes out on return
type Stage interface {
	Run(ctx context.Context, in <-chan []models.RecordContext, out chan<- []models.RecordContext) error
}

// Writable is what a sink returns for one schema of a run
type Writable struct {
	Writer    Writer
	PreStages []Stage
	// OutputLocation describes where the data ends up, for the operator
	OutputLocation string
	// CommitKeys is called after Writer.Run returned without error
	CommitKeys func() []CommitKey
}

// WritableRequest asks a sink for a Writable
type WritableRequest struct {
	Schema              *schema.SchemaDescriptor
	SchemaSlug          string
	Settings            core.Settings
	UpdateMethod        UpdateMethod
	ReplaceExistingData bool
	StateKey            StateKey
	// RunID is unique per run and may be used to name staged data
	RunID string
	Job   job.JobContext
	// Metrics is optional; writers report flushes through it when set
	Metrics *metrics.Collector
}

// CommitRequest carries every commit key of a run
type CommitRequest struct {
	Settings            core.Settings
	CommitKeys          []CommitKey
	StateKey            StateKey
	NewState            *State
	UpdateMethod        UpdateMethod
	ReplaceExistingData bool
	Job                 job.JobContext
}

// StateRequest asks a sink for its persisted State
type StateRequest struct {
	Settings core.Settings
	StateKey StateKey
	Job      job.JobContext
}

// Sink is implemented by every destination
type Sink interface {
	// Type is the identifier the sink is registered under
	Type() string
	// Validate fails with an ErrorTypeConfig error when a required value is
	// missing. It is called before any write.
	Validate(s core.Settings) error
	// IsStronglyTyped reports whether every property must have exactly one
	// value type
	IsStronglyTyped(s core.Settings) bool
	SupportedStreamOptions(s core.Settings, prior *State) StreamOptions
	Writable(ctx context.Context, req WritableRequest) (*Writable, error)
	CommitAfterWrites(ctx context.Context, req CommitRequest) error
	// SinkState returns nil without error when no state was persisted
	SinkState(ctx context.Context, req StateRequest) (*State, error)
}
