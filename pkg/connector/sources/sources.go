// Package sources registers every source connector
package sources

import (
	// Import all source connectors to trigger init() registration
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sources/jsonl"
)
