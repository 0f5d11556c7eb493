package mongodb

import (
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func init() {
	_ = registry.RegisterSink(SinkType, func() (sink.Sink, error) {
		return NewMongoDBSink(), nil
	})
}
