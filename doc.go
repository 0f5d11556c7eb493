// Package datapm packages data sets and transfers them into sinks.
//
// A package file describes a data source and the schemas inferred from it.
// The package command reads every stream of the source once, infers the type
// and statistics of every property, detects content labels such as email
// addresses, and writes the package file with a semantic version bumped from
// the previous one. The fetch command reads the source again and writes the
// records into a sink, remembering per stream what was transferred so that
// later runs skip unchanged streams or resume an append-only log.
//
// # Quick Start
//
//	datapm package --source contacts.yaml --catalog acme --package contacts --out contacts.datapm.yaml
//	datapm fetch --package contacts.datapm.yaml --sink postgres.yaml
//
// Connector files name a registered connector and its settings:
//
//	type: postgres
//	connection:
//	  host: localhost
//	  database: warehouse
//	credentials:
//	  password: ${PGPASSWORD}
//	config:
//	  schema: acme
//
// Environment variables are substituted with ${VAR_NAME} syntax.
//
// # Key Packages
//
//	internal/fetch        - Plans and runs one transfer, commits sink state
//	internal/packager     - Infers a package file from a source
//	pkg/schema            - Schema inference engine and record conversion
//	pkg/labels            - Content label detection
//	pkg/pkgfile           - Package file format and version comparison
//	pkg/sink              - Sink contract, writers and sink state
//	pkg/source            - Source contract and stream sets
//	pkg/batch             - Size and time bounded batching stages
//	pkg/connector/sinks   - Files, object stores, databases and brokers
//	pkg/connector/sources - Registered sources
//	pkg/config            - Run configuration and connector files
//	pkg/errors            - Structured error handling
//	pkg/logger            - Structured logging
//	pkg/metrics           - Prometheus metrics
//
// # Sinks
//
// Available sinks:
//   - Local files and S3 or GCS object stores (JSON lines, Avro)
//   - PostgreSQL, MySQL and Snowflake
//   - BigQuery
//   - MongoDB
//   - Kafka and NATS JetStream
//   - In-memory, for tests
package datapm
