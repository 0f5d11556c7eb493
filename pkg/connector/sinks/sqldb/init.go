package sqldb

import (
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

func init() {
	_ = registry.RegisterSink("mysql", func() (sink.Sink, error) { return NewMySQLSink(), nil })
	_ = registry.RegisterSink("snowflake", func() (sink.Sink, error) { return NewSnowflakeSink(), nil })
}
