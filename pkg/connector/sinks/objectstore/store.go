// Package objectstore implements sinks that stage record parts as objects
// and promote them on commit. The local filesystem, S3 and GCS share the
// same protocol through the Store interface.
package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/big-armor/datapm-sub007/pkg/compression"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/sink"
)

// ErrNotFound is returned by Store.Get for a missing key
var ErrNotFound = errors.New(errors.ErrorTypeNotFound, "object not found")

// Store is the minimal object API the sink needs. Keys use "/" separators.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
	// Location renders a key as a URL for output reporting
	Location(key string) string
	Close() error
}

// FileFormat is the encoding of staged parts
type FileFormat string

const (
	FormatJSONL FileFormat = "jsonl"
	FormatAvro  FileFormat = "avro"
)

const (
	defaultPartSize    = 8 * 1024 * 1024
	defaultPartRecords = 10000
)

// Config holds the settings shared by every backend
type Config struct {
	Prefix      string     `mapstructure:"prefix"`
	Format      FileFormat `mapstructure:"format"`
	Compression string     `mapstructure:"compression"`
	PartSize    int        `mapstructure:"partSize"`
	PartRecords int        `mapstructure:"partRecords"`

	algorithm compression.Algorithm
}

func (c *Config) normalize() error {
	switch c.Format {
	case "":
		c.Format = FormatJSONL
	case FormatJSONL, FormatAvro:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported format %q", c.Format)
	}
	alg, err := compression.ParseAlgorithm(c.Compression)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	if c.Format == FormatAvro {
		if _, err := avroCodec(alg); err != nil {
			return err
		}
	}
	c.algorithm = alg
	if c.PartSize <= 0 {
		c.PartSize = defaultPartSize
	}
	if c.PartRecords <= 0 {
		c.PartRecords = defaultPartRecords
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// layout computes every key the sink touches for one package major version
type layout struct {
	root string
}

func newLayout(prefix string, key sink.StateKey) layout {
	return layout{root: path.Join(prefix, key.CatalogSlug, key.PackageSlug, fmt.Sprintf("v%d", key.MajorVersion))}
}

func (l layout) state() string {
	return path.Join(l.root, "state.json")
}

func (l layout) schema(schemaSlug string) string {
	return path.Join(l.root, "data", schemaSlug) + "/"
}

func (l layout) staging(runID string) string {
	return path.Join(l.root, "_staging", runID) + "/"
}

func (l layout) stagedPart(runID, schemaSlug, name string) string {
	return path.Join(l.root, "_staging", runID, schemaSlug, name)
}

func (l layout) finalPart(schemaSlug, name string) string {
	return path.Join(l.root, "data", schemaSlug, name)
}

func partName(runID string, seq int, format FileFormat, alg compression.Algorithm) string {
	name := fmt.Sprintf("part-%s-%05d.%s", runID, seq, format)
	if format == FormatJSONL {
		name += compression.Extension(alg)
	}
	return name
}
