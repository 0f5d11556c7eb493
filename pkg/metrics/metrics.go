// Package metrics provides prometheus metrics for datapm transfers.
//
// # Basic Usage
//
//	c := metrics.NewCollector("jsonl", "postgres")
//	c.RecordsReceived(len(batch))
//	c.RecordsWritten("orders", 1)
//
//	timer := metrics.NewTimer("commit")
//	commit()
//	c.ObserveCommit(timer.Stop(), err)
//
// The package-level vectors are registered with the default registry on
// import and served by Handler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsReceivedTotal counts records read from a source.
	// Labels: source, sink
	RecordsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapm_records_received_total",
			Help: "Total number of records received from sources",
		},
		[]string{"source", "sink"},
	)

	// RecordsWrittenTotal counts records a sink writer reported as durably written.
	// Labels: sink, schema
	RecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapm_records_written_total",
			Help: "Total number of records durably written by sink writers",
		},
		[]string{"sink", "schema"},
	)

	// BytesReceivedTotal counts raw bytes read by a source.
	BytesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapm_bytes_received_total",
			Help: "Total number of bytes received from sources",
		},
		[]string{"source"},
	)

	// WriterFlushesTotal counts durable group flushes. Labels: sink, status
	WriterFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datapm_writer_flushes_total",
			Help: "Total number of record groups flushed by sink writers",
		},
		[]string{"sink", "status"},
	)

	// FlushLatency tracks the duration of one durable group flush in seconds.
	FlushLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datapm_writer_flush_duration_seconds",
			Help:    "Duration of sink writer group flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"sink"},
	)

	// CommitDuration tracks commit phase durations in seconds. Labels: sink, status
	CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datapm_commit_duration_seconds",
			Help:    "Duration of the sink commit phase",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"sink", "status"},
	)

	// ActiveWriters tracks open per-schema sink writers
	ActiveWriters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datapm_active_writers",
			Help: "Number of open per-schema sink writers",
		},
		[]string{"sink"},
	)

	// Throughput tracks records per second
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datapm_throughput_records_per_second",
			Help: "Current throughput in records per second",
		},
		[]string{"source", "sink"},
	)
)

// Handler serves the default prometheus registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector binds the package vectors to one source and sink pair.
type Collector struct {
	source string
	sink   string
}

// NewCollector creates a collector for a transfer from source to sink.
func NewCollector(source, sink string) *Collector {
	return &Collector{source: source, sink: sink}
}

// RecordsReceived adds n received records
func (c *Collector) RecordsReceived(n int) {
	RecordsReceivedTotal.WithLabelValues(c.source, c.sink).Add(float64(n))
}

// BytesReceived adds n received bytes
func (c *Collector) BytesReceived(n int64) {
	BytesReceivedTotal.WithLabelValues(c.source).Add(float64(n))
}

// RecordsWritten adds n durably written records for a schema
func (c *Collector) RecordsWritten(schema string, n int) {
	RecordsWrittenTotal.WithLabelValues(c.sink, schema).Add(float64(n))
}

// WriterOpened and WriterClosed maintain the active writer gauge
func (c *Collector) WriterOpened() { ActiveWriters.WithLabelValues(c.sink).Inc() }

// WriterClosed decrements the active writer gauge
func (c *Collector) WriterClosed() { ActiveWriters.WithLabelValues(c.sink).Dec() }

// ObserveFlush records one durable flush
func (c *Collector) ObserveFlush(d time.Duration, err error) {
	WriterFlushesTotal.WithLabelValues(c.sink, status(err)).Inc()
	if err == nil {
		FlushLatency.WithLabelValues(c.sink).Observe(d.Seconds())
	}
}

// ObserveCommit records the commit phase duration
func (c *Collector) ObserveCommit(d time.Duration, err error) {
	CommitDuration.WithLabelValues(c.sink, status(err)).Observe(d.Seconds())
}

// SetThroughput publishes the current records per second
func (c *Collector) SetThroughput(recordsPerSecond float64) {
	Throughput.WithLabelValues(c.source, c.sink).Set(recordsPerSecond)
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer's name
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks a rate over a sliding reset window. Safe for
// concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	now       func() time.Time
}

// NewThroughputTracker creates a new throughput tracker
func NewThroughputTracker() *ThroughputTracker {
	return &ThroughputTracker{lastReset: time.Now(), now: time.Now}
}

// Increment adds n to the count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the rate per second since the previous reset and
// starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.lastReset).Seconds()
	if elapsed <= 0 {
		return 0
	}

	rate := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = now
	return rate
}
