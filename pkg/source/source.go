// Package source defines the contract of record sources consumed by the
// package and fetch commands.
package source

import (
	"context"
	"time"

	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/job"
	"github.com/big-armor/datapm-sub007/pkg/models"
)

// StreamSummary describes one stream of a stream set before it is opened
type StreamSummary struct {
	Slug string
	// UpdateHash fingerprints the stream's current content. Empty when the
	// source cannot compute one.
	UpdateHash      string
	ExpectedBytes   int64
	ExpectedRecords int64
}

// StreamSet is a source subdivision whose streams are tracked independently
type StreamSet struct {
	Slug    string
	Streams []StreamSummary
	// SupportsResume is true when streams can be reopened after an offset
	SupportsResume bool
}

// ExpectedBytes sums the expected bytes of every stream
func (s StreamSet) ExpectedBytes() int64 {
	var n int64
	for _, st := range s.Streams {
		n += st.ExpectedBytes
	}
	return n
}

// ExpectedRecords sums the expected records of every stream
func (s StreamSet) ExpectedRecords() int64 {
	var n int64
	for _, st := range s.Streams {
		n += st.ExpectedRecords
	}
	return n
}

// Callbacks report stream lifecycle events. Any callback may be nil.
type Callbacks struct {
	OnStreamStart   func(streamSetSlug, streamSlug string)
	OnReconnect     func(streamSetSlug, streamSlug string, attempt int)
	OnBytesReceived func(n int64)
	// OnWaitingToReconnect is called before a source sleeps ahead of a
	// reconnect attempt
	OnWaitingToReconnect func(streamSetSlug, streamSlug string, wait time.Duration)
}

// StreamStart invokes OnStreamStart when set
func (c Callbacks) StreamStart(set, stream string) {
	if c.OnStreamStart != nil {
		c.OnStreamStart(set, stream)
	}
}

// Reconnect invokes OnReconnect when set
func (c Callbacks) Reconnect(set, stream string, attempt int) {
	if c.OnReconnect != nil {
		c.OnReconnect(set, stream, attempt)
	}
}

// WaitingToReconnect invokes OnWaitingToReconnect when set
func (c Callbacks) WaitingToReconnect(set, stream string, wait time.Duration) {
	if c.OnWaitingToReconnect != nil {
		c.OnWaitingToReconnect(set, stream, wait)
	}
}

// BytesReceived invokes OnBytesReceived when set
func (c Callbacks) BytesReceived(n int64) {
	if c.OnBytesReceived != nil {
		c.OnBytesReceived(n)
	}
}

// OpenRequest opens one stream
type OpenRequest struct {
	Settings      core.Settings
	StreamSetSlug string
	StreamSlug    string
	// After skips records whose offset is not greater than *After
	After     *int64
	Callbacks Callbacks
	Job       job.JobContext
}

// RecordStream is an open stream. Batches is closed when the stream ends or
// the context is canceled. Errors carries at most one error and is closed
// after Batches.
type RecordStream struct {
	Batches <-chan []models.RecordContext
	Errors  <-chan error
}

// Source is implemented by every record source
type Source interface {
	Type() string
	// Validate fails with an ErrorTypeConfig error when a required value is
	// missing
	Validate(s core.Settings) error
	StreamSets(ctx context.Context, s core.Settings) ([]StreamSet, error)
	OpenStream(ctx context.Context, req OpenRequest) (*RecordStream, error)
}
