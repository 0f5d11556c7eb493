// Package json provides JSON serialization backed by goccy/go-json with
// pooled buffers for line-delimited output.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Number is re-exported so callers can type-switch on decoded numbers
// without importing the codec directly.
type Number = gojson.Number

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1<<20 {
		return
	}
	bufferPool.Put(buf)
}

// Marshal marshals v to JSON
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal unmarshals JSON data into v
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// UnmarshalUseNumber unmarshals JSON data keeping numbers as Number so
// integer precision survives until schema classification.
func UnmarshalUseNumber(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// MarshalIndent marshals v to indented JSON
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// NewDecoder returns a decoder that keeps numbers as Number
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// NewEncoder returns an encoder with HTML escaping disabled
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// MarshalLines marshals values as line-delimited JSON. Each value is
// followed by a single '\n'.
func MarshalLines(values []map[string]interface{}) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := NewEncoder(buf)
	for _, v := range values {
		// Encoder.Encode terminates every value with a newline
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// LineLengths returns the encoded length (including newline) of each value
// as produced by MarshalLines.
func LineLengths(values []map[string]interface{}) ([]int, []byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := NewEncoder(buf)
	lengths := make([]int, 0, len(values))
	for _, v := range values {
		before := buf.Len()
		if err := enc.Encode(v); err != nil {
			return nil, nil, err
		}
		lengths = append(lengths, buf.Len()-before)
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return lengths, result, nil
}
