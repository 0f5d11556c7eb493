package jsonl

import (
	"github.com/big-armor/datapm-sub007/pkg/connector/registry"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

func init() {
	// Register JSON lines source factory
	_ = registry.RegisterSource(SourceType, func() (source.Source, error) {
		return NewJSONLSource(), nil
	})
}
