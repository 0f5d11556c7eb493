package fetch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/big-armor/datapm-sub007/pkg/models"
)

// progress holds the cumulative counters of a run. Received counters are
// updated by the reader, committed counters by the state tracker.
type progress struct {
	start time.Time
	now   func() time.Time

	bytesExpected   int64
	recordsExpected int64

	bytesReceived    atomic.Int64
	recordsReceived  atomic.Int64
	recordsCommitted atomic.Int64

	mu       sync.Mutex
	received map[string]int64
	inFlight map[string][]fedRecord
}

type fedRecord struct {
	streamSet string
	stream    string
	offset    int64
}

func newProgress(bytesExpected, recordsExpected int64) *progress {
	return &progress{
		start:           time.Now(),
		now:             time.Now,
		bytesExpected:   bytesExpected,
		recordsExpected: recordsExpected,
		received:        make(map[string]int64),
		inFlight:        make(map[string][]fedRecord),
	}
}

func (p *progress) addBytes(n int64) {
	p.bytesReceived.Add(n)
}

// fed records a batch handed to the pipeline of its schema
func (p *progress) fed(schemaSlug string, batch []models.RecordContext) {
	p.recordsReceived.Add(int64(len(batch)))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[schemaSlug] += int64(len(batch))
	q := p.inFlight[schemaSlug]
	for _, rc := range batch {
		q = append(q, fedRecord{streamSet: rc.StreamSetSlug, stream: rc.StreamSlug, offset: rc.Offset})
	}
	p.inFlight[schemaSlug] = q
}

// committed accounts for a record forwarded by a writer. Records of a schema
// reach the writer in the order they were fed, so every record fed up to
// and including rc is durable.
func (p *progress) committed(rc models.RecordContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.inFlight[rc.SchemaSlug]
	n := 0
	for n < len(q) {
		r := q[n]
		n++
		if r.streamSet == rc.StreamSetSlug && r.stream == rc.StreamSlug && r.offset == rc.Offset {
			break
		}
	}
	p.inFlight[rc.SchemaSlug] = q[n:]
	p.recordsCommitted.Add(int64(n))
}

// receivedBySchema returns the records fed per schema
func (p *progress) receivedBySchema() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.received))
	for k, v := range p.received {
		out[k] = v
	}
	return out
}

func (p *progress) event() ThroughputEvent {
	e := ThroughputEvent{
		BytesReceived:    p.bytesReceived.Load(),
		BytesExpected:    p.bytesExpected,
		RecordsReceived:  p.recordsReceived.Load(),
		RecordsExpected:  p.recordsExpected,
		RecordsCommitted: p.recordsCommitted.Load(),
	}

	elapsed := p.now().Sub(p.start).Seconds()
	if elapsed > 0 {
		e.RecordsPerSecond = float64(e.RecordsReceived) / elapsed
		e.BytesPerSecond = float64(e.BytesReceived) / elapsed
	}

	switch {
	case e.BytesExpected > 0:
		e.PercentComplete = percent(e.BytesReceived, e.BytesExpected)
		if e.BytesPerSecond > 0 && e.BytesReceived < e.BytesExpected {
			e.SecondsRemaining = float64(e.BytesExpected-e.BytesReceived) / e.BytesPerSecond
		}
	case e.RecordsExpected > 0:
		e.PercentComplete = percent(e.RecordsReceived, e.RecordsExpected)
		if e.RecordsPerSecond > 0 && e.RecordsReceived < e.RecordsExpected {
			e.SecondsRemaining = float64(e.RecordsExpected-e.RecordsReceived) / e.RecordsPerSecond
		}
	}
	return e
}

func percent(done, total int64) float64 {
	if done >= total {
		return 100
	}
	return float64(done) / float64(total) * 100
}
