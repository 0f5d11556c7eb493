// Package sinks registers every sink connector
package sinks

import (
	// Import all sink connectors to trigger init() registration
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/bigquery"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/kafka"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/memory"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/mongodb"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/nats"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/objectstore"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/postgres"
	_ "github.com/big-armor/datapm-sub007/pkg/connector/sinks/sqldb"
)
