package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamSetTotals(t *testing.T) {
	set := StreamSet{Streams: []StreamSummary{
		{Slug: "a", ExpectedBytes: 10, ExpectedRecords: 2},
		{Slug: "b", ExpectedBytes: 5, ExpectedRecords: 1},
	}}
	assert.Equal(t, int64(15), set.ExpectedBytes())
	assert.Equal(t, int64(3), set.ExpectedRecords())
}

func TestCallbacksNilSafe(t *testing.T) {
	var c Callbacks
	c.StreamStart("set", "stream")
	c.Reconnect("set", "stream", 1)
	c.BytesReceived(10)

	var got int64
	c.OnBytesReceived = func(n int64) { got += n }
	c.BytesReceived(3)
	c.BytesReceived(4)
	assert.Equal(t, int64(7), got)
}
