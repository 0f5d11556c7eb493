package fetch

import (
	"go.uber.org/zap"
)

// Status is the state of a run or of one of its streams
type Status string

const (
	StatusPlanning             Status = "PLANNING_OPERATIONS"
	StatusOpeningStream        Status = "OPENING_STREAM"
	StatusReadingStream        Status = "READING_STREAM"
	StatusReadingStreamWarning Status = "READING_STREAM_WARNING"
	StatusClosing              Status = "CLOSING"
	StatusFlushing             Status = "FLUSHING_FINAL_RECORDS"
	StatusCompleted            Status = "COMPLETED"
	StatusWaitingToReconnect   Status = "WAITING_TO_RECONNECT_TO_STREAM"
	StatusReconnecting         Status = "RECONNECTING_TO_STREAM"
	StatusFailure              Status = "FAILURE"
)

// Resource names what a progress event is about: the run itself or one
// stream of it
type Resource struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// ProgressEvent reports a status transition
type ProgressEvent struct {
	Resource Resource `json:"resource"`
	// Message carries detail for warnings and failures
	Message string `json:"message,omitempty"`
}

// ThroughputEvent is emitted periodically while a run is reading
type ThroughputEvent struct {
	BytesReceived    int64   `json:"bytesReceived"`
	BytesExpected    int64   `json:"bytesExpected"`
	RecordsReceived  int64   `json:"recordsReceived"`
	RecordsExpected  int64   `json:"recordsExpected"`
	RecordsCommitted int64   `json:"recordsCommitted"`
	RecordsPerSecond float64 `json:"recordsPerSecond"`
	BytesPerSecond   float64 `json:"bytesPerSecond"`
	SecondsRemaining float64 `json:"secondsRemaining"`
	PercentComplete  float64 `json:"percentComplete"`
}

// Observer receives the events of a run. Calls come from several goroutines
// but never concurrently for the same method.
type Observer interface {
	OnProgress(ProgressEvent)
	OnThroughput(ThroughputEvent)
}

// LogObserver writes events to a zap logger
type LogObserver struct {
	Logger *zap.Logger
}

func (o LogObserver) OnProgress(e ProgressEvent) {
	fields := []zap.Field{
		zap.String("resource", e.Resource.Name),
		zap.String("status", string(e.Resource.Status)),
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	switch e.Resource.Status {
	case StatusFailure:
		o.Logger.Error("fetch progress", fields...)
	case StatusReadingStreamWarning, StatusWaitingToReconnect, StatusReconnecting:
		o.Logger.Warn("fetch progress", fields...)
	default:
		o.Logger.Info("fetch progress", fields...)
	}
}

func (o LogObserver) OnThroughput(e ThroughputEvent) {
	o.Logger.Info("fetch throughput",
		zap.Int64("records_received", e.RecordsReceived),
		zap.Int64("records_expected", e.RecordsExpected),
		zap.Int64("records_committed", e.RecordsCommitted),
		zap.Int64("bytes_received", e.BytesReceived),
		zap.Float64("records_per_second", e.RecordsPerSecond),
		zap.Float64("percent_complete", e.PercentComplete),
		zap.Float64("seconds_remaining", e.SecondsRemaining))
}

type nopObserver struct{}

func (nopObserver) OnProgress(ProgressEvent)     {}
func (nopObserver) OnThroughput(ThroughputEvent) {}
