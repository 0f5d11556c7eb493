package schema

import (
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/big-armor/datapm-sub007/pkg/json"
)

var (
	integerPattern  = regexp.MustCompile(`^-?(0|[1-9]\d*)$`)
	decimalPattern  = regexp.MustCompile(`^-?(0|[1-9]\d*)\.\d+$`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?$`)
)

// DateLayout is the layout of date values
const DateLayout = "2006-01-02"

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Classify determines the value type of v and returns v converted to the Go
// representation of that type: bool, int64, float64, string, time.Time,
// map[string]interface{} or []interface{}.
func Classify(v interface{}) (ValueType, interface{}) {
	switch val := v.(type) {
	case nil:
		return Null, nil
	case bool:
		return Boolean, val
	case string:
		return classifyString(val)
	case json.Number:
		return classifyNumberString(string(val))
	case int:
		return Integer, int64(val)
	case int8:
		return Integer, int64(val)
	case int16:
		return Integer, int64(val)
	case int32:
		return Integer, int64(val)
	case int64:
		return Integer, val
	case uint8:
		return Integer, int64(val)
	case uint16:
		return Integer, int64(val)
	case uint32:
		return Integer, int64(val)
	case uint:
		if uint64(val) > math.MaxInt64 {
			return Number, float64(val)
		}
		return Integer, int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return Number, float64(val)
		}
		return Integer, int64(val)
	case float32:
		return classifyFloat(float64(val))
	case float64:
		return classifyFloat(val)
	case time.Time:
		return DateTime, val
	case map[string]interface{}:
		return Object, val
	case []interface{}:
		return Array, val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return Object, v
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return String, string(rv.Bytes())
		}
		return Array, v
	case reflect.Ptr:
		if rv.IsNil() {
			return Null, nil
		}
		return Classify(rv.Elem().Interface())
	}
	return String, toString(v)
}

func classifyFloat(f float64) (ValueType, interface{}) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Number, f
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return Integer, int64(f)
	}
	return Number, f
}

func classifyString(s string) (ValueType, interface{}) {
	switch s {
	case "true", "TRUE", "True":
		return Boolean, true
	case "false", "FALSE", "False":
		return Boolean, false
	}

	if t, vt := classifyNumberString(s); t != String {
		return t, vt
	}

	if datePattern.MatchString(s) {
		if d, err := time.Parse(DateLayout, s); err == nil {
			return Date, d
		}
	}
	if dateTimePattern.MatchString(s) {
		if d, ok := parseDateTime(s); ok {
			return DateTime, d
		}
	}
	return String, s
}

func classifyNumberString(s string) (ValueType, interface{}) {
	if integerPattern.MatchString(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Integer, i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Number, f
		}
	}
	if decimalPattern.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Number, f
		}
	}
	if strings.ContainsAny(s, "eE") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return classifyFloat(f)
		}
	}
	return String, s
}

func parseDateTime(s string) (time.Time, bool) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Format returns the format string recorded for a value type. Null and
// nested values have none.
func Format(t ValueType) string {
	switch t {
	case Null, Object, Array:
		return ""
	}
	return string(t)
}

// precisionScale returns the count of significant digits and the count of
// fraction digits of a converted numeric value.
func precisionScale(v interface{}) (int, int) {
	var s string
	switch n := v.(type) {
	case int64:
		s = strconv.FormatInt(n, 10)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, 0
		}
		s = strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return 0, 0
	}

	s = strings.TrimPrefix(s, "-")
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "0" && fracPart != "" {
		intPart = ""
	}
	precision := len(intPart) + len(fracPart)
	if precision == 0 {
		precision = 1
	}
	return precision, len(fracPart)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
