package labels

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/schema"
)

func infer(t *testing.T, prior map[string]*schema.SchemaDescriptor, values ...map[string]interface{}) map[string]*schema.SchemaDescriptor {
	t.Helper()

	det := NewDetector(WithRand(rand.New(rand.NewSource(1))))
	e := schema.NewEngine(schema.WithLabelObserver(det), schema.WithPrior(prior))

	batch := make([]models.RecordContext, len(values))
	for i, v := range values {
		batch[i] = models.RecordContext{SchemaSlug: "people", Record: v}
	}
	e.Process(batch)
	return e.Finish()
}

func labelsOf(schemas map[string]*schema.SchemaDescriptor, property string) []schema.ContentLabel {
	return schemas["people"].Properties[property].ContentLabels
}

func TestRegexThreshold(t *testing.T) {
	schemas := infer(t, nil,
		map[string]interface{}{"contact": "a@example.com", "other": "a@example.com"},
		map[string]interface{}{"contact": "b@example.com", "other": "b@example.com"},
		map[string]interface{}{"contact": "c@example.com", "other": "not an email"},
		map[string]interface{}{"contact": "not an email"},
	)

	contact := labelsOf(schemas, "contact")
	require.Len(t, contact, 1)
	assert.Equal(t, LabelEmailAddress, contact[0].Label)
	assert.Equal(t, int64(3), contact[0].Occurrences)
	assert.Equal(t, int64(4), contact[0].ValuesTested)
	assert.Equal(t, "regex_email_address", contact[0].Detector)

	assert.Empty(t, labelsOf(schemas, "other"), "2 of 3 is not above two thirds")
}

func TestNameHeuristics(t *testing.T) {
	schemas := infer(t, nil,
		map[string]interface{}{"userAge": 31, "count": 4, "dateOfBirth": "1990-01-02", "api_key": "xyz"},
	)

	age := labelsOf(schemas, "userAge")
	require.Len(t, age, 1)
	assert.Equal(t, LabelAge, age[0].Label)
	assert.Equal(t, int64(1), age[0].Occurrences)
	assert.False(t, age[0].Hidden)

	assert.Empty(t, labelsOf(schemas, "count"))

	dob := labelsOf(schemas, "dateOfBirth")
	require.Len(t, dob, 1)
	assert.Equal(t, LabelDateOfBirth, dob[0].Label)

	secret := labelsOf(schemas, "api_key")
	require.Len(t, secret, 1)
	assert.Equal(t, LabelSecret, secret[0].Label)
}

func TestPhoneNumberDigitsOnly(t *testing.T) {
	schemas := infer(t, nil,
		map[string]interface{}{"contact": "5551234567"},
		map[string]interface{}{"contact": "5559876543"},
		map[string]interface{}{"contact": "15550001111"},
	)

	prop := schemas["people"].Properties["contact"]
	assert.Equal(t, []schema.ValueType{schema.Integer}, prop.NonNullTypes())
	require.Len(t, prop.ContentLabels, 1)
	assert.Equal(t, LabelPhoneNumber, prop.ContentLabels[0].Label)
	assert.Equal(t, int64(3), prop.ContentLabels[0].Occurrences)
}

func TestNameHeuristicCountedOncePerProperty(t *testing.T) {
	schemas := infer(t, nil,
		map[string]interface{}{"age": 31},
		map[string]interface{}{"age": "unknown"},
	)

	age := labelsOf(schemas, "age")
	require.Len(t, age, 1)
	assert.Equal(t, int64(1), age[0].Occurrences)
	assert.Equal(t, int64(2), age[0].ValuesTested)
}

func TestMergeIdempotentAndOverrideStable(t *testing.T) {
	input := []map[string]interface{}{
		{"email": "a@example.com", "ip": "10.0.0.1", "age": 20},
		{"email": "b@example.com", "ip": "10.0.0.2", "age": 21},
		{"email": "c@example.com", "ip": "10.0.0.3", "age": 22},
	}

	first := infer(t, nil, input...)
	second := infer(t, first, input...)
	for _, p := range []string{"email", "ip", "age"} {
		assert.Equal(t, labelsOf(first, p), labelsOf(second, p), "property %s", p)
	}

	labelsOf(second, "email")[0].Hidden = true
	third := infer(t, second, input...)
	email := labelsOf(third, "email")
	require.Len(t, email, 1)
	assert.True(t, email[0].Hidden)
	assert.Equal(t, int64(3), email[0].Occurrences)
}

func TestMergeLabels(t *testing.T) {
	prior := []schema.ContentLabel{
		{Label: "ssn", Occurrences: 5, ValuesTested: 5, Hidden: true},
		{Label: "manual", Occurrences: 1},
		{Label: "phone_number", Occurrences: 9, ValuesTested: 10},
	}
	fresh := []schema.ContentLabel{
		{Label: "ssn", Occurrences: 7, ValuesTested: 7},
		{Label: "phone_number", Occurrences: 0, ValuesTested: 3},
		{Label: "age", Occurrences: 0, Hidden: true},
		{Label: "email_address", Occurrences: 2, ValuesTested: 2},
	}

	merged := MergeLabels(prior, fresh)
	assert.Equal(t, []schema.ContentLabel{
		{Label: "email_address", Occurrences: 2, ValuesTested: 2},
		{Label: "manual", Occurrences: 1},
		{Label: "phone_number", Occurrences: 9, ValuesTested: 10},
		{Label: "ssn", Occurrences: 7, ValuesTested: 7, Hidden: true},
	}, merged)

	assert.Equal(t, merged, MergeLabels(merged, fresh))
	assert.Nil(t, MergeLabels(nil, []schema.ContentLabel{{Label: "age"}}))
}

func TestSamplingAfterThreshold(t *testing.T) {
	run := func(seed int64) int64 {
		det := NewDetector(WithRand(rand.New(rand.NewSource(seed))))
		for i := 0; i < 5000; i++ {
			det.Observe("s", "contact", schema.String, fmt.Sprintf("user%d@example.com", i))
		}
		return det.Tested("s", "contact", schema.String)
	}

	tested := run(42)
	assert.Greater(t, tested, int64(SampleAfter))
	assert.Less(t, tested, int64(1000))
	assert.Equal(t, tested, run(42), "same seed gives the same sample")

	det := NewDetector(WithRand(rand.New(rand.NewSource(42))))
	for i := 0; i < SampleAfter; i++ {
		det.Observe("s", "contact", schema.String, "x")
	}
	assert.Equal(t, int64(SampleAfter), det.Tested("s", "contact", schema.String))
}

func TestRegexValidators(t *testing.T) {
	assert.True(t, luhn("4111 1111 1111 1111"))
	assert.False(t, luhn("4111 1111 1111 1112"))
	assert.True(t, validSSN("123-45-6789"))
	assert.False(t, validSSN("666-45-6789"))
	assert.False(t, validSSN("123-00-6789"))
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"userAge":       "user_age",
		"User Age":      "user_age",
		"user-age":      "user_age",
		"DateOfBirth":   "date_of_birth",
		"__secret__":    "secret",
		"address2Line":  "address2_line",
		"passportNo":    "passport_no",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestRegistryFor(t *testing.T) {
	r := DefaultRegistry()
	ids := make([]string, 0)
	for _, f := range r.For(schema.Integer) {
		ids = append(ids, f.ID)
	}
	assert.Contains(t, ids, "regex_credit_card")
	assert.Contains(t, ids, "regex_phone_number")
	assert.Contains(t, ids, "name_age")
	assert.NotContains(t, ids, "regex_email_address")
	assert.Empty(t, r.For(schema.Boolean))
}
