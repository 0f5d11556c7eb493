package schema

import (
	"time"
	"unicode/utf8"
)

func newStatistics(t ValueType) *ValueTypeStatistics {
	s := &ValueTypeStatistics{ValueType: t}
	if t == String {
		s.StringOptions = make(map[string]int64)
	}
	return s
}

// observe updates the statistics with one converted value of s.ValueType.
func (s *ValueTypeStatistics) observe(v interface{}) {
	s.RecordCount++

	switch s.ValueType {
	case String:
		str, _ := v.(string)
		s.observeString(str)
	case Integer, Number:
		s.observeNumber(v)
	case Boolean:
		if b, _ := v.(bool); b {
			s.BooleanTrueCount++
		} else {
			s.BooleanFalseCount++
		}
	case Date, DateTime:
		if t, ok := v.(time.Time); ok {
			s.observeTime(t)
		}
	}
}

func (s *ValueTypeStatistics) observeString(str string) {
	n := utf8.RuneCountInString(str)
	if s.StringMinLength == nil || n < *s.StringMinLength {
		s.StringMinLength = intPtr(n)
	}
	if s.StringMaxLength == nil || n > *s.StringMaxLength {
		s.StringMaxLength = intPtr(n)
	}

	if s.StringOptionsDisabled {
		return
	}
	if n > MaxStringOptionLength {
		s.disableStringOptions()
		return
	}
	if s.StringOptions == nil {
		s.StringOptions = make(map[string]int64)
	}
	if _, seen := s.StringOptions[str]; !seen && len(s.StringOptions) >= MaxStringOptions {
		s.disableStringOptions()
		return
	}
	s.StringOptions[str]++
}

func (s *ValueTypeStatistics) disableStringOptions() {
	s.StringOptionsDisabled = true
	s.StringOptions = nil
}

func (s *ValueTypeStatistics) observeNumber(v interface{}) {
	f, ok := toFloat(v)
	if !ok {
		return
	}
	if s.NumberMin == nil || f < *s.NumberMin {
		s.NumberMin = floatPtr(f)
	}
	if s.NumberMax == nil || f > *s.NumberMax {
		s.NumberMax = floatPtr(f)
	}

	precision, scale := precisionScale(v)
	if s.NumberMaxPrecision == nil || precision > *s.NumberMaxPrecision {
		s.NumberMaxPrecision = intPtr(precision)
	}
	if s.NumberMaxScale == nil || scale > *s.NumberMaxScale {
		s.NumberMaxScale = intPtr(scale)
	}
}

func (s *ValueTypeStatistics) observeTime(t time.Time) {
	if s.DateMin == nil || t.Before(*s.DateMin) {
		s.DateMin = timePtr(t)
	}
	if s.DateMax == nil || t.After(*s.DateMax) {
		s.DateMax = timePtr(t)
	}
}

// absorb folds other into s. Both must describe compatible types; the result
// keeps s.ValueType.
func (s *ValueTypeStatistics) absorb(other *ValueTypeStatistics) {
	if other == nil {
		return
	}
	s.RecordCount += other.RecordCount

	s.StringMinLength = minInt(s.StringMinLength, other.StringMinLength)
	s.StringMaxLength = maxInt(s.StringMaxLength, other.StringMaxLength)
	s.NumberMaxPrecision = maxInt(s.NumberMaxPrecision, other.NumberMaxPrecision)
	s.NumberMaxScale = maxInt(s.NumberMaxScale, other.NumberMaxScale)

	if other.NumberMin != nil && (s.NumberMin == nil || *other.NumberMin < *s.NumberMin) {
		s.NumberMin = floatPtr(*other.NumberMin)
	}
	if other.NumberMax != nil && (s.NumberMax == nil || *other.NumberMax > *s.NumberMax) {
		s.NumberMax = floatPtr(*other.NumberMax)
	}
	if other.DateMin != nil && (s.DateMin == nil || other.DateMin.Before(*s.DateMin)) {
		s.DateMin = timePtr(*other.DateMin)
	}
	if other.DateMax != nil && (s.DateMax == nil || other.DateMax.After(*s.DateMax)) {
		s.DateMax = timePtr(*other.DateMax)
	}

	s.BooleanTrueCount += other.BooleanTrueCount
	s.BooleanFalseCount += other.BooleanFalseCount

	if s.ValueType == String {
		if other.StringOptionsDisabled || s.StringOptionsDisabled {
			s.disableStringOptions()
			return
		}
		for k, n := range other.StringOptions {
			if s.StringOptions == nil {
				s.StringOptions = make(map[string]int64)
			}
			if _, seen := s.StringOptions[k]; !seen && len(s.StringOptions) >= MaxStringOptions {
				s.disableStringOptions()
				return
			}
			s.StringOptions[k] += n
		}
	}
}

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func minInt(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return intPtr(*b)
	}
	return a
}

func maxInt(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return intPtr(*b)
	}
	return a
}
