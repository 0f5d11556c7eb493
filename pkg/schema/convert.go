package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/big-armor/datapm-sub007/pkg/json"
)

// ConvertRecord converts a raw record to the types recorded in desc.
// Properties absent from desc are dropped. A value whose type is not among
// the property's types is cast to the property's single non-null type when
// there is exactly one. Source text of a string-only property is kept
// verbatim.
//
// The second result names the properties whose value could not be cast.
// Those keep their classified value.
func ConvertRecord(desc *SchemaDescriptor, record map[string]interface{}) (map[string]interface{}, []string) {
	out := make(map[string]interface{}, len(desc.Properties))
	var failed []string
	for name, raw := range record {
		prop, ok := desc.Properties[name]
		if !ok {
			continue
		}
		v, ok := convertValue(prop, raw)
		if !ok {
			failed = append(failed, name)
		}
		out[name] = v
	}
	sort.Strings(failed)
	return out, failed
}

func convertValue(prop *PropertyDescriptor, raw interface{}) (interface{}, bool) {
	vt, value := Classify(raw)
	if vt == Null {
		return nil, true
	}
	types := prop.NonNullTypes()
	if len(types) == 1 && types[0] == String {
		if text, ok := rawText(raw); ok {
			return text, true
		}
	}
	if _, ok := prop.Types[vt]; ok {
		return value, true
	}
	if vt == Integer {
		if _, ok := prop.Types[Number]; ok {
			f, _ := toFloat(value)
			return f, true
		}
	}

	if len(types) != 1 {
		return value, true
	}
	cast, ok := CastValue(value, types[0])
	if !ok {
		return value, false
	}
	return cast, true
}

// rawText returns the source text of string and json.Number values
func rawText(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return string(v), true
	}
	return "", false
}

// CastValue converts a classified value to target. It reports false when the
// value has no representation in target.
func CastValue(value interface{}, target ValueType) (interface{}, bool) {
	if value == nil {
		return nil, true
	}

	switch target {
	case String:
		return toString(value), true
	case Number:
		if f, ok := toFloat(value); ok {
			return f, true
		}
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
	case Integer:
		switch n := value.(type) {
		case int64:
			return n, true
		case float64:
			return int64(n), true
		case bool:
			if n {
				return int64(1), true
			}
			return int64(0), true
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, true
			}
		}
	case Boolean:
		switch b := value.(type) {
		case bool:
			return b, true
		case int64:
			return b != 0, true
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, true
			}
		}
	case Date, DateTime:
		switch t := value.(type) {
		case time.Time:
			return t, true
		case string:
			if d, err := time.Parse(DateLayout, t); err == nil {
				return d, true
			}
			if d, ok := parseDateTime(t); ok {
				return d, true
			}
		}
	case Object, Array:
		return value, true
	}
	return nil, false
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 && val.Location() == time.UTC {
			return val.Format(DateLayout)
		}
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	case map[string]interface{}, []interface{}:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// CastTo collapses every non-null type of the property into target. The
// resulting statistics keep the combined record count and whatever numeric,
// string or date bounds remain meaningful for target.
func (p *PropertyDescriptor) CastTo(target ValueType) {
	merged := newStatistics(target)
	for t, stats := range p.Types {
		if t == Null {
			continue
		}
		if t == target || (target == Number && t == Integer) {
			merged.absorb(stats)
		} else {
			merged.RecordCount += stats.RecordCount
		}
		delete(p.Types, t)
	}
	if target == String {
		merged.disableStringOptions()
	}
	p.Types[target] = merged

	p.formats = nil
	p.Format = Format(target)
}

// FormatValue renders a converted value as the string a text column stores
func FormatValue(v interface{}) string {
	return toString(v)
}
