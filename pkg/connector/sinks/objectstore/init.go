package objectstore

import (
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func init() {
	for _, ctor := range []func() *Sink{NewLocal, NewS3, NewGCS} {
		ctor := ctor
		_ = registry.RegisterSink(ctor().Type(), func() (sink.Sink, error) {
			return ctor(), nil
		})
	}
}
