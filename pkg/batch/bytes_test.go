package batch

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesCutsAtLastSeparator(t *testing.T) {
	b := NewBytes(8, []byte("\n"))

	assert.Nil(t, b.Write([]byte("abc\nde")))
	chunk := b.Write([]byte("f\ngh"))
	assert.Equal(t, []byte("abc\ndef\n"), chunk)
	assert.Equal(t, 2, b.Buffered())
	assert.Equal(t, []byte("gh"), b.Flush())
	assert.Nil(t, b.Flush())
}

func TestBytesWithoutSeparatorStaysBuffered(t *testing.T) {
	b := NewBytes(4, []byte("\n"))
	assert.Nil(t, b.Write([]byte("abcdefgh")))
	assert.Equal(t, []byte("abcdefgh"), b.Flush())
}

func TestBytesMultiByteSeparatorNeverSplit(t *testing.T) {
	sep := []byte("\r\n")
	rng := rand.New(rand.NewSource(3))

	var input []byte
	for i := 0; i < 300; i++ {
		input = append(input, bytes.Repeat([]byte{'x'}, rng.Intn(12))...)
		input = append(input, sep...)
	}
	input = append(input, []byte("tail")...)

	b := NewBytes(16, sep)
	var chunks [][]byte
	for pos := 0; pos < len(input); {
		n := rng.Intn(7) + 1
		if pos+n > len(input) {
			n = len(input) - pos
		}
		if c := b.Write(input[pos : pos+n]); c != nil {
			chunks = append(chunks, c)
		}
		pos += n
	}
	final := b.Flush()
	require.Equal(t, []byte("tail"), final)

	for _, c := range chunks {
		assert.True(t, bytes.HasSuffix(c, sep), "chunk %q must end on the separator", c)
		assert.GreaterOrEqual(t, len(c), 2)
	}
	assert.Equal(t, input, bytes.Join(append(chunks, final), nil))
}

func TestBytesRun(t *testing.T) {
	in := make(chan []byte)
	out := make(chan []byte)
	errCh := make(chan error, 1)
	go func() { errCh <- NewBytes(4, []byte("\n")).Run(context.Background(), in, out) }()

	go func() {
		for _, p := range []string{"a\nb", "b\ncc", "c"} {
			in <- []byte(p)
		}
		close(in)
	}()

	var got [][]byte
	for c := range out {
		got = append(got, c)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, [][]byte{[]byte("a\nbb\n"), []byte("ccc")}, got)
}
