package compression

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var extensions = map[Algorithm]string{
	None:    "",
	Gzip:    ".gz",
	Snappy:  ".snappy",
	LZ4:     ".lz4",
	Zstd:    ".zst",
	S2:      ".s2",
	Deflate: ".deflate",
}

// Extension returns the file name suffix conventionally used for the algorithm
func Extension(alg Algorithm) string {
	return extensions[alg]
}

// FromExtension detects the algorithm from a file name. Unknown suffixes map
// to None.
func FromExtension(name string) Algorithm {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return None
	}
	for alg, e := range extensions {
		if e == ext {
			return alg
		}
	}
	if ext == ".gzip" {
		return Gzip
	}
	if ext == ".zstd" {
		return Zstd
	}
	return None
}

// ParseAlgorithm validates an algorithm name. The empty string means None.
func ParseAlgorithm(name string) (Algorithm, error) {
	alg := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if alg == "" {
		return None, nil
	}
	if _, ok := extensions[alg]; !ok {
		return None, fmt.Errorf("unsupported compression algorithm: %s", name)
	}
	return alg, nil
}

// NewReader wraps r with a streaming decompressor for alg
func NewReader(alg Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch alg {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case Deflate:
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}
