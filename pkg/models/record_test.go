package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordContextClone(t *testing.T) {
	orig := RecordContext{SchemaSlug: "orders", Offset: 3, Record: map[string]interface{}{"id": 1}}

	c := orig.Clone()
	c.Record["id"] = 2
	c.Record["extra"] = true

	assert.Equal(t, 1, orig.Record["id"])
	assert.NotContains(t, orig.Record, "extra")
	assert.Equal(t, "orders", c.SchemaSlug)
	assert.Equal(t, int64(3), c.Offset)
}

func TestRecords(t *testing.T) {
	batch := []RecordContext{
		{Record: map[string]interface{}{"a": 1}},
		{Record: map[string]interface{}{"a": 2}},
	}
	assert.Equal(t, []map[string]interface{}{{"a": 1}, {"a": 2}}, Records(batch))
}
