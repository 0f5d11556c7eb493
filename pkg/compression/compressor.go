// Package compression provides the codecs used for staged object parts and
// compressed source files.
//
// Every algorithm uses its streaming framing, so a part produced by
// Compressor.Compress is readable with NewReader and a file compressed by
// any standard tool for that format is readable too.
package compression

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a compression format
type Algorithm string

const (
	None    Algorithm = "none"
	Gzip    Algorithm = "gzip"
	Snappy  Algorithm = "snappy"
	LZ4     Algorithm = "lz4"
	Zstd    Algorithm = "zstd"
	S2      Algorithm = "s2"
	Deflate Algorithm = "deflate"
)

// Level trades speed for ratio
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

// Compressor compresses whole parts. Implementations are safe for concurrent
// use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// Config selects the algorithm and level of a Compressor
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// NewCompressor returns a Compressor for cfg. A nil cfg means gzip at the
// default level.
func NewCompressor(cfg *Config) (Compressor, error) {
	if cfg == nil {
		cfg = &Config{Algorithm: Gzip, Level: Default}
	}
	if _, ok := extensions[cfg.Algorithm]; !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", cfg.Algorithm)
	}
	level := cfg.Level
	if level == 0 {
		level = Default
	}
	return &codec{alg: cfg.Algorithm, level: level}, nil
}

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

type codec struct {
	alg   Algorithm
	level Level
}

func (c *codec) Algorithm() Algorithm { return c.alg }

func (c *codec) Compress(data []byte) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	w, err := NewWriter(c.alg, c.level, buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%s compress: %w", c.alg, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.alg, err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *codec) Decompress(data []byte) ([]byte, error) {
	r, err := NewReader(c.alg, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.alg, err)
	}
	return out, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with a streaming compressor. Close flushes the trailing
// frame but does not close w.
func NewWriter(alg Algorithm, level Level, w io.Writer) (io.WriteCloser, error) {
	switch alg {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, flateLevel(level))
	case Deflate:
		return flate.NewWriter(w, flateLevel(level))
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case S2:
		var opts []s2.WriterOption
		switch {
		case level >= Best:
			opts = append(opts, s2.WriterBestCompression())
		case level >= Better:
			opts = append(opts, s2.WriterBetterCompression())
		}
		return s2.NewWriter(w, opts...), nil
	case LZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, fmt.Errorf("lz4 level: %w", err)
		}
		return zw, nil
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

func flateLevel(level Level) int {
	switch {
	case level <= Fastest:
		return flate.BestSpeed
	case level >= Best:
		return flate.BestCompression
	case level >= Better:
		return 7
	default:
		return flate.DefaultCompression
	}
}

func lz4Level(level Level) lz4.CompressionLevel {
	switch {
	case level <= Fastest:
		return lz4.Fast
	case level >= Best:
		return lz4.Level9
	case level >= Better:
		return lz4.Level6
	default:
		return lz4.Level3
	}
}

func zstdLevel(level Level) zstd.EncoderLevel {
	switch {
	case level <= Fastest:
		return zstd.SpeedFastest
	case level >= Best:
		return zstd.SpeedBestCompression
	case level >= Better:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}
