package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/big-armor/datapm-sub007/pkg/json"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		in    interface{}
		want  ValueType
		value interface{}
	}{
		{"nil", nil, Null, nil},
		{"bool", true, Boolean, true},
		{"string bool", "false", Boolean, false},
		{"int", 42, Integer, int64(42)},
		{"whole float", 3.0, Integer, int64(3)},
		{"max safe integer", 9007199254740991.0, Integer, int64(9007199254740991)},
		{"fraction", 1.5, Number, 1.5},
		{"integer string", "101", Integer, int64(101)},
		{"leading zero stays string", "0101", String, "0101"},
		{"decimal string", "-12.25", Number, -12.25},
		{"json number", json.Number("7"), Integer, int64(7)},
		{"json decimal", json.Number("7.5"), Number, 7.5},
		{"date", "2021-03-04", Date, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"date-time", "2021-03-04T05:06:07Z", DateTime, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)},
		{"plain string", "hello", String, "hello"},
		{"object", map[string]interface{}{"a": 1}, Object, map[string]interface{}{"a": 1}},
		{"array", []interface{}{1}, Array, []interface{}{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vt, v := Classify(tt.in)
			assert.Equal(t, tt.want, vt)
			assert.Equal(t, tt.value, v)
		})
	}
}

func TestPrecisionScale(t *testing.T) {
	tests := []struct {
		in        interface{}
		precision int
		scale     int
	}{
		{int64(101), 3, 0},
		{int64(-9007199254740991), 16, 0},
		{12.25, 4, 2},
		{0.5, 1, 1},
		{int64(0), 1, 0},
	}
	for _, tt := range tests {
		p, s := precisionScale(tt.in)
		assert.Equal(t, tt.precision, p, "precision of %v", tt.in)
		assert.Equal(t, tt.scale, s, "scale of %v", tt.in)
	}
}
