package memory

import (
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// Shared is the instance handed out by the registry so that state survives
// between runs of one process
var Shared = NewSink()

func init() {
	_ = registry.RegisterSink(SinkType, func() (sink.Sink, error) {
		return Shared, nil
	})
}
