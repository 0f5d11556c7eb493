package batch

import (
	"bytes"
	"context"
)

// Bytes accumulates byte chunks and releases them cut at the last separator
// once at least maxSize bytes are buffered. Separators are never split and
// content passes through unchanged.
type Bytes struct {
	maxSize   int
	separator []byte
	buf       []byte
}

// NewBytes creates a byte batching stage
func NewBytes(maxSize int, separator []byte) *Bytes {
	return &Bytes{
		maxSize:   maxSize,
		separator: append([]byte(nil), separator...),
	}
}

// Write buffers p and returns a chunk when one is ready, or nil. The chunk
// ends with the last separator in the buffer; bytes after it stay buffered.
func (b *Bytes) Write(p []byte) []byte {
	b.buf = append(b.buf, p...)
	if len(b.buf) < b.maxSize || len(b.separator) == 0 {
		return nil
	}

	idx := bytes.LastIndex(b.buf, b.separator)
	if idx < 0 {
		return nil
	}
	end := idx + len(b.separator)

	chunk := make([]byte, end)
	copy(chunk, b.buf[:end])
	b.buf = append(b.buf[:0], b.buf[end:]...)
	return chunk
}

// Flush returns every buffered byte, or nil when the buffer is empty.
func (b *Bytes) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	rest := b.buf
	b.buf = nil
	return rest
}

// Buffered reports the number of bytes waiting for a separator
func (b *Bytes) Buffered() int {
	return len(b.buf)
}

// Run is the channel form of Write and Flush. It closes out on return.
func (b *Bytes) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	defer close(out)

	emit := func(chunk []byte) error {
		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case p, ok := <-in:
			if !ok {
				if rest := b.Flush(); rest != nil {
					return emit(rest)
				}
				return nil
			}
			if chunk := b.Write(p); chunk != nil {
				if err := emit(chunk); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
