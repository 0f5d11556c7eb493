package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalLines(t *testing.T) {
	values := []map[string]interface{}{
		{"id": 1, "name": "a<b"},
		{"id": 2},
	}

	data, err := MarshalLines(values)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"a<b"`)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestLineLengths(t *testing.T) {
	values := []map[string]interface{}{
		{"a": "x"},
		{"b": "yy"},
	}

	lengths, data, err := LineLengths(values)
	require.NoError(t, err)
	require.Len(t, lengths, 2)

	total := 0
	for _, l := range lengths {
		total += l
	}
	assert.Equal(t, len(data), total)
	assert.Equal(t, "{\"a\":\"x\"}\n", string(data[:lengths[0]]))
}

func TestUnmarshalUseNumber(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, UnmarshalUseNumber([]byte(`{"n": 9007199254740993}`), &v))

	n, ok := v["n"].(Number)
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", n.String())
}
