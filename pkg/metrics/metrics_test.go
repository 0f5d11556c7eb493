package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("test-source", "test-sink")

	c.RecordsReceived(10)
	c.RecordsReceived(5)
	c.RecordsWritten("orders", 3)
	c.BytesReceived(1024)

	assert.Equal(t, 15.0, testutil.ToFloat64(RecordsReceivedTotal.WithLabelValues("test-source", "test-sink")))
	assert.Equal(t, 3.0, testutil.ToFloat64(RecordsWrittenTotal.WithLabelValues("test-sink", "orders")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(BytesReceivedTotal.WithLabelValues("test-source")))
}

func TestCollectorWriterGaugeAndFlushes(t *testing.T) {
	c := NewCollector("gauge-source", "gauge-sink")

	c.WriterOpened()
	c.WriterOpened()
	c.WriterClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(ActiveWriters.WithLabelValues("gauge-sink")))

	c.ObserveFlush(10*time.Millisecond, nil)
	c.ObserveFlush(0, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(WriterFlushesTotal.WithLabelValues("gauge-sink", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WriterFlushesTotal.WithLabelValues("gauge-sink", "failure")))
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker()
	start := time.Now()
	tracker.lastReset = start
	tracker.now = func() time.Time { return start.Add(2 * time.Second) }

	tracker.Increment(100)
	assert.InDelta(t, 50.0, tracker.GetAndReset(), 0.001)

	tracker.now = func() time.Time { return start.Add(2 * time.Second) }
	assert.Equal(t, 0.0, tracker.GetAndReset())
}

func TestTimer(t *testing.T) {
	timer := NewTimer("commit")
	assert.Equal(t, "commit", timer.Name())
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))
}
