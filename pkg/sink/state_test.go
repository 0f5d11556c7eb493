package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateCloneIsDeep(t *testing.T) {
	s := NewState("1.0.0")
	st := s.Stream("files", "a.jsonl")
	st.StreamOffset = 10
	st.UpdateHash = StringPtr("abc")
	st.Schema("orders").LastOffset = 9

	c := s.Clone()
	c.Stream("files", "a.jsonl").StreamOffset = 20
	*c.Stream("files", "a.jsonl").UpdateHash = "changed"
	c.Stream("files", "a.jsonl").Schema("orders").LastOffset = 19
	c.Stream("files", "b.jsonl")

	assert.Equal(t, int64(10), st.StreamOffset)
	assert.Equal(t, "abc", *st.UpdateHash)
	assert.Equal(t, int64(9), st.SchemaStates["orders"].LastOffset)
	assert.Nil(t, s.Lookup("files", "b.jsonl"))

	var nilState *State
	assert.Nil(t, nilState.Clone())
	assert.Nil(t, nilState.Lookup("files", "a.jsonl"))
}

func TestStateJSONShape(t *testing.T) {
	s := NewState("2.1.0")
	st := s.Stream("set", "stream")
	st.StreamOffset = 3
	st.Schema("schema").LastOffset = 3
	s.Stream("set", "other")

	data, err := MarshalState(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"streamSets":{"set":{"streamStates":{`)
	assert.Contains(t, string(data), `"schemaStates":{"schema":{"lastOffset":3}}`)
	assert.NotContains(t, string(data), `"updateHash"`, "absent hash is omitted")

	back, err := UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", back.PackageVersion)
	assert.Equal(t, int64(3), back.Lookup("set", "stream").StreamOffset)
	assert.Nil(t, back.Lookup("set", "stream").UpdateHash)
}

func TestStreamOptionsSupports(t *testing.T) {
	o := StreamOptions{UpdateMethods: []UpdateMethod{BatchFullSet, AppendOnlyLog}}
	assert.True(t, o.Supports(AppendOnlyLog))
	assert.False(t, o.Supports(CDCUpsertFullSet))
}

func TestStateKeyString(t *testing.T) {
	assert.Equal(t, "local/orders/v2", StateKey{CatalogSlug: "local", PackageSlug: "orders", MajorVersion: 2}.String())
}
