// Package jsonl reads JSON lines and JSON array files from the local
// filesystem. Every matched file is one stream of a single stream set.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/compression"
	"github.com/big-armor/datapm-sub007/pkg/connector/core"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/json"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

// SourceType is the registry identifier of this source
const SourceType = "jsonl"

// Format represents the JSON file layout
type Format string

const (
	// FormatLines is line-delimited JSON (JSONL/NDJSON)
	FormatLines Format = "lines"
	// FormatArray is a file holding one JSON array of objects
	FormatArray Format = "array"
	// FormatAuto picks array when the first non-space byte is '['
	FormatAuto Format = "auto"
)

// Config is decoded from the merged connection, credentials and config maps
type Config struct {
	Path           string `mapstructure:"path"`
	Format         Format `mapstructure:"format"`
	StreamSetSlug  string `mapstructure:"streamSetSlug"`
	SchemaSlug     string `mapstructure:"schemaSlug"`
	SchemaProperty string `mapstructure:"schemaProperty"`
	BatchSize      int    `mapstructure:"batchSize"`
	BufferSize     int    `mapstructure:"bufferSize"`
}

// JSONLSource implements source.Source over local files
type JSONLSource struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewJSONLSource creates a new JSON lines source
func NewJSONLSource() *JSONLSource {
	return &JSONLSource{
		logger: logger.With(zap.String("source", SourceType)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Type returns the registry identifier
func (s *JSONLSource) Type() string { return SourceType }

func (s *JSONLSource) config(settings core.Settings) (*Config, error) {
	cfg := &Config{}
	if err := settings.Merged().Decode(cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "path is required")
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatAuto
	case FormatLines, FormatArray, FormatAuto:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported format %q", cfg.Format)
	}
	if cfg.StreamSetSlug == "" {
		cfg.StreamSetSlug = "default"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	return cfg, nil
}

// Validate checks the settings without touching the filesystem
func (s *JSONLSource) Validate(settings core.Settings) error {
	_, err := s.config(settings)
	return err
}

// StreamSets lists one stream per matched file. The update hash is the
// sha256 of the raw file content.
func (s *JSONLSource) StreamSets(ctx context.Context, settings core.Settings) ([]source.StreamSet, error) {
	cfg, err := s.config(settings)
	if err != nil {
		return nil, err
	}
	files, err := matchFiles(cfg.Path)
	if err != nil {
		return nil, err
	}

	set := source.StreamSet{Slug: cfg.StreamSetSlug, SupportsResume: true}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary, err := summarize(path, cfg.Format)
		if err != nil {
			return nil, err
		}
		set.Streams = append(set.Streams, summary)
	}

	s.logger.Debug("discovered streams",
		zap.String("path", cfg.Path),
		zap.Int("streams", len(set.Streams)))
	return []source.StreamSet{set}, nil
}

// OpenStream starts reading one file in the background
func (s *JSONLSource) OpenStream(ctx context.Context, req source.OpenRequest) (*source.RecordStream, error) {
	cfg, err := s.config(req.Settings)
	if err != nil {
		return nil, err
	}
	if req.StreamSetSlug != cfg.StreamSetSlug {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "stream set %q not found", req.StreamSetSlug)
	}
	files, err := matchFiles(cfg.Path)
	if err != nil {
		return nil, err
	}
	var path string
	for _, f := range files {
		if StreamSlug(f) == req.StreamSlug {
			path = f
			break
		}
	}
	if path == "" {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "stream %q not found", req.StreamSlug)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open file").
			WithDetail("path", path)
	}

	batches := make(chan []models.RecordContext, 1)
	errCh := make(chan error, 1)

	r := &reader{
		cfg:      cfg,
		path:     path,
		file:     file,
		req:      req,
		batches:  batches,
		now:      s.now,
		logger:   s.logger.With(zap.String("stream", req.StreamSlug)),
		fallback: cfg.SchemaSlug,
	}
	if r.fallback == "" {
		r.fallback = req.StreamSlug
	}

	go func() {
		defer close(errCh)
		defer close(batches)
		defer file.Close()
		if err := r.run(ctx); err != nil {
			errCh <- err
		}
	}()

	return &source.RecordStream{Batches: batches, Errors: errCh}, nil
}

type reader struct {
	cfg      *Config
	path     string
	file     *os.File
	req      source.OpenRequest
	batches  chan<- []models.RecordContext
	now      func() time.Time
	logger   *zap.Logger
	fallback string

	offset  int64
	pending []models.RecordContext
}

func (r *reader) run(ctx context.Context) error {
	r.req.Callbacks.StreamStart(r.req.StreamSetSlug, r.req.StreamSlug)

	counted := &countingReader{r: r.file, cb: r.req.Callbacks}
	rc, err := compression.NewReader(compression.FromExtension(r.path), counted)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to open decompressor").
			WithDetail("path", r.path)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, r.cfg.BufferSize)
	format := r.cfg.Format
	if format == FormatAuto {
		format = detectFormat(br)
	}

	if format == FormatArray {
		err = r.readArray(ctx, br)
	} else {
		err = r.readLines(ctx, br)
	}
	if err != nil {
		return err
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	r.logger.Debug("stream finished", zap.Int64("records", r.offset))
	return nil
}

func (r *reader) readLines(ctx context.Context, br *bufio.Reader) error {
	lineNum := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNum++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var record map[string]interface{}
				if uerr := json.UnmarshalUseNumber(line, &record); uerr != nil || record == nil {
					if uerr == nil {
						uerr = fmt.Errorf("expected a JSON object")
					}
					return errors.Wrapf(uerr, errors.ErrorTypeData, "failed to parse JSON on line %d", lineNum).
						WithDetail("path", r.path)
				}
				if perr := r.emit(ctx, record); perr != nil {
					return perr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read file").
				WithDetail("path", r.path)
		}
	}
}

func (r *reader) readArray(ctx context.Context, br *bufio.Reader) error {
	dec := json.NewDecoder(br)
	token, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to read JSON array start").
			WithDetail("path", r.path)
	}
	if delim, ok := token.(gojson.Delim); !ok || delim != '[' {
		return errors.Newf(errors.ErrorTypeData, "expected JSON array, got %v", token).
			WithDetail("path", r.path)
	}

	for dec.More() {
		var record map[string]interface{}
		if err := dec.Decode(&record); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode JSON object").
				WithDetail("path", r.path).
				WithDetail("offset", r.offset)
		}
		if err := r.emit(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// emit assigns the next offset and sends a batch once it is full. Records
// at or before the resume offset are counted but not sent.
func (r *reader) emit(ctx context.Context, record map[string]interface{}) error {
	offset := r.offset
	r.offset++
	if r.req.After != nil && offset <= *r.req.After {
		return nil
	}

	r.pending = append(r.pending, models.RecordContext{
		SchemaSlug:    r.schemaSlug(record),
		StreamSetSlug: r.req.StreamSetSlug,
		StreamSlug:    r.req.StreamSlug,
		Offset:        offset,
		Record:        record,
		ReceivedDate:  r.now(),
	})
	if len(r.pending) >= r.cfg.BatchSize {
		return r.flush(ctx)
	}
	return nil
}

func (r *reader) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	batch := r.pending
	r.pending = nil
	select {
	case r.batches <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *reader) schemaSlug(record map[string]interface{}) string {
	if r.cfg.SchemaProperty == "" {
		return r.fallback
	}
	if v, ok := record[r.cfg.SchemaProperty].(string); ok && v != "" {
		return v
	}
	return r.fallback
}

// countingReader reports compressed bytes as they are read from disk
type countingReader struct {
	r  io.Reader
	cb source.Callbacks
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.cb.BytesReceived(int64(n))
	}
	return n, err
}

func detectFormat(br *bufio.Reader) Format {
	for i := 1; ; i++ {
		peek, err := br.Peek(i)
		if len(peek) < i {
			return FormatLines
		}
		switch c := peek[i-1]; c {
		case ' ', '\t', '\r', '\n':
			if err != nil {
				return FormatLines
			}
			continue
		case '[':
			return FormatArray
		default:
			return FormatLines
		}
	}
}

// StreamSlug derives a stream slug from a file name by dropping the
// compression and JSON extensions.
func StreamSlug(path string) string {
	name := filepath.Base(path)
	if compression.FromExtension(name) != compression.None {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	for _, ext := range []string{".jsonl", ".ndjson", ".json"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

func matchFiles(path string) ([]string, error) {
	pattern := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		pattern = filepath.Join(path, "*")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid path pattern").
			WithDetail("path", path)
	}
	files := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	if len(files) == 0 {
		return nil, errors.New(errors.ErrorTypeNotFound, "no files matched").
			WithDetail("path", path)
	}
	sort.Strings(files)
	return files, nil
}

// summarize hashes the file and, for uncompressed line files, counts lines
// so progress can report an expected record count.
func summarize(path string, format Format) (source.StreamSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return source.StreamSummary{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open file").
			WithDetail("path", path)
	}
	defer f.Close()

	h := sha256.New()
	lc := &lineCounter{}
	size, err := io.Copy(io.MultiWriter(h, lc), f)
	if err != nil {
		return source.StreamSummary{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to hash file").
			WithDetail("path", path)
	}

	summary := source.StreamSummary{
		Slug:          StreamSlug(path),
		UpdateHash:    hex.EncodeToString(h.Sum(nil)),
		ExpectedBytes: size,
	}
	if format != FormatArray && compression.FromExtension(path) == compression.None && !lc.array {
		summary.ExpectedRecords = lc.count()
	}
	return summary, nil
}

type lineCounter struct {
	lines   int64
	started bool
	array   bool
	last    byte
}

func (c *lineCounter) Write(p []byte) (int, error) {
	for _, b := range p {
		if !c.started && b != ' ' && b != '\t' && b != '\r' && b != '\n' {
			c.started = true
			c.array = b == '['
		}
		if b == '\n' {
			c.lines++
		}
	}
	if len(p) > 0 {
		c.last = p[len(p)-1]
	}
	return len(p), nil
}

func (c *lineCounter) count() int64 {
	if c.started && c.last != '\n' {
		return c.lines + 1
	}
	return c.lines
}
