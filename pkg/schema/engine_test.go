package schema

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/models"
)

func records(slug string, values ...map[string]interface{}) []models.RecordContext {
	out := make([]models.RecordContext, len(values))
	for i, v := range values {
		out[i] = models.RecordContext{SchemaSlug: slug, Offset: int64(i), Record: v}
	}
	return out
}

func TestEngineMaxSafeIntegerScenario(t *testing.T) {
	e := NewEngine()
	e.Process(records("s",
		map[string]interface{}{"n": "101"},
		map[string]interface{}{"n": 9007199254740991.0},
	))

	prop := e.Finish()["s"].Properties["n"]
	require.Len(t, prop.Types, 1)
	stats := prop.Types[Integer]
	require.NotNil(t, stats)
	assert.Equal(t, Integer, stats.ValueType)
	assert.Equal(t, 16, *stats.NumberMaxPrecision)
	assert.Equal(t, 0, *stats.NumberMaxScale)
	assert.Equal(t, int64(2), stats.RecordCount)
}

func TestEngineWideningIsMonotonic(t *testing.T) {
	e := NewEngine()
	e.Process(records("s",
		map[string]interface{}{"v": 1},
		map[string]interface{}{"v": 22},
	))
	e.Process(records("s", map[string]interface{}{"v": 2.5}))
	e.Process(records("s", map[string]interface{}{"v": 300}))

	prop := e.Schemas()["s"].Properties["v"]
	assert.NotContains(t, prop.Types, Integer)
	num := prop.Types[Number]
	require.NotNil(t, num)
	assert.Equal(t, int64(4), num.RecordCount)
	assert.Equal(t, 1.0, *num.NumberMin)
	assert.Equal(t, 300.0, *num.NumberMax)
	assert.Equal(t, 3, *num.NumberMaxPrecision)
	assert.Equal(t, 1, *num.NumberMaxScale)
	assert.Equal(t, "number", prop.Format)
}

func TestEngineStringOptionsDisabledForever(t *testing.T) {
	e := NewEngine()
	for i := 0; i < MaxStringOptions; i++ {
		e.Process(records("s", map[string]interface{}{"c": fmt.Sprintf("v%d", i)}))
	}
	stats := e.Schemas()["s"].Properties["c"].Types[String]
	assert.Len(t, stats.StringOptions, MaxStringOptions)

	e.Process(records("s", map[string]interface{}{"c": "one-too-many"}))
	assert.True(t, stats.StringOptionsDisabled)
	assert.Nil(t, stats.StringOptions)

	e.Process(records("s", map[string]interface{}{"c": "v1"}))
	assert.True(t, stats.StringOptionsDisabled)
	assert.Nil(t, stats.StringOptions)
}

func TestEngineLongStringDisablesOptions(t *testing.T) {
	e := NewEngine()
	e.Process(records("s",
		map[string]interface{}{"c": "short"},
		map[string]interface{}{"c": strings.Repeat("x", MaxStringOptionLength+1)},
		map[string]interface{}{"c": "short"},
	))
	stats := e.Schemas()["s"].Properties["c"].Types[String]
	assert.True(t, stats.StringOptionsDisabled)
	assert.Nil(t, stats.StringOptions)
	assert.Equal(t, 5, *stats.StringMinLength)
	assert.Equal(t, MaxStringOptionLength+1, *stats.StringMaxLength)
}

func TestEngineStatistics(t *testing.T) {
	e := NewEngine()
	e.Process(records("s",
		map[string]interface{}{"flag": true, "day": "2021-01-02"},
		map[string]interface{}{"flag": "false", "day": "2020-05-06", "late": "x"},
		map[string]interface{}{"flag": nil},
	))

	desc := e.Schemas()["s"]
	assert.Equal(t, int64(3), desc.RecordCount)
	assert.Len(t, desc.SampleRecords, 3)

	flag := desc.Properties["flag"]
	assert.Equal(t, int64(1), flag.Types[Boolean].BooleanTrueCount)
	assert.Equal(t, int64(1), flag.Types[Boolean].BooleanFalseCount)
	assert.Equal(t, int64(1), flag.Types[Null].RecordCount)
	assert.Equal(t, "boolean", flag.Format)

	day := desc.Properties["day"]
	assert.Equal(t, "2020-05-06", day.Types[Date].DateMin.Format(DateLayout))
	assert.Equal(t, "2021-01-02", day.Types[Date].DateMax.Format(DateLayout))
	assert.Equal(t, int64(1), day.RecordsNotPresent)

	late := desc.Properties["late"]
	assert.Equal(t, int64(2), late.RecordsNotPresent, "missing before first sight and after")
}

func TestEngineSampleRecordsBounded(t *testing.T) {
	e := NewEngine(WithMaxSampleRecords(3))
	for i := 0; i < 10; i++ {
		e.Process(records("s", map[string]interface{}{"i": i}))
	}
	assert.Len(t, e.Schemas()["s"].SampleRecords, 3)
}

type recordingObserver struct {
	observed map[string]int
	merged   bool
}

func (r *recordingObserver) Observe(schemaSlug, property string, vt ValueType, _ interface{}) {
	r.observed[schemaSlug+"."+property+":"+string(vt)]++
}

func (r *recordingObserver) Merge(map[string]*SchemaDescriptor) { r.merged = true }

func TestEngineRunFeedsObserver(t *testing.T) {
	obs := &recordingObserver{observed: map[string]int{}}
	e := NewEngine(WithLabelObserver(obs))

	in := make(chan []models.RecordContext, 2)
	out := make(chan []models.RecordContext, 2)
	in <- records("a", map[string]interface{}{"x": "1", "y": nil})
	in <- records("b", map[string]interface{}{"x": "text"})
	close(in)

	require.NoError(t, e.Run(context.Background(), in, out))

	first := <-out
	assert.Equal(t, int64(1), first[0].Record["x"])
	assert.Equal(t, 1, obs.observed["a.x:integer"])
	assert.Equal(t, 1, obs.observed["b.x:string"])
	assert.NotContains(t, obs.observed, "a.y:null")

	e.Finish()
	assert.True(t, obs.merged)
}

func TestEnginePriorLabelsCarried(t *testing.T) {
	prior := map[string]*SchemaDescriptor{
		"s": {Properties: map[string]*PropertyDescriptor{
			"email": {ContentLabels: []ContentLabel{{Label: "email_address", Hidden: true}}},
		}},
	}
	e := NewEngine(WithPrior(prior))
	e.Process(records("s", map[string]interface{}{"email": "a@b.co"}))

	labels := e.Schemas()["s"].Properties["email"].ContentLabels
	require.Len(t, labels, 1)
	assert.True(t, labels[0].Hidden)
}
