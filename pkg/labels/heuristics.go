package labels

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/big-armor/datapm-sub007/pkg/schema"
)

// Label identifiers
const (
	LabelEmailAddress   = "email_address"
	LabelPhoneNumber    = "phone_number"
	LabelSSN            = "ssn"
	LabelCreditCard     = "credit_card"
	LabelIPv4Address    = "ip_v4_address"
	LabelAge            = "age"
	LabelGender         = "gender"
	LabelDateOfBirth    = "date_of_birth"
	LabelSecret         = "secret"
	LabelPassportNumber = "passport_number"
	LabelDriversLicense = "drivers_license"
	LabelGeoLatitude    = "geo_latitude"
	LabelGeoLongitude   = "geo_longitude"
)

// regexHeuristic counts values matching a pattern. The threshold is met once
// more than two thirds of the tested values matched.
type regexHeuristic struct {
	id          string
	label       string
	pattern     *regexp.Regexp
	validate    func(string) bool
	occurrences int64
	tested      int64
}

func (h *regexHeuristic) Inspect(value interface{}) {
	h.tested++
	s := valueString(value)
	if !h.pattern.MatchString(s) {
		return
	}
	if h.validate != nil && !h.validate(s) {
		return
	}
	h.occurrences++
}

func (h *regexHeuristic) ThresholdMet() bool {
	return h.tested > 0 && h.occurrences*3 > h.tested*2
}

func (h *regexHeuristic) Result() schema.ContentLabel {
	return schema.ContentLabel{
		Label:        h.label,
		Occurrences:  h.occurrences,
		ValuesTested: h.tested,
		Detector:     h.id,
	}
}

func (h *regexHeuristic) NameBased() bool { return false }

// nameHeuristic looks only at the property name
type nameHeuristic struct {
	id      string
	label   string
	matches bool
	tested  int64
}

func (h *nameHeuristic) Inspect(interface{}) { h.tested++ }

func (h *nameHeuristic) ThresholdMet() bool { return true }

func (h *nameHeuristic) Result() schema.ContentLabel {
	l := schema.ContentLabel{
		Label:        h.label,
		ValuesTested: h.tested,
		Detector:     h.id,
	}
	if h.matches {
		l.Occurrences = 1
	} else {
		l.Hidden = true
	}
	return l
}

func (h *nameHeuristic) NameBased() bool { return true }

func regexFactory(id, label string, pattern string, validate func(string) bool, types ...schema.ValueType) Factory {
	re := regexp.MustCompile(pattern)
	return Factory{
		ID:         id,
		Label:      label,
		ValueTypes: types,
		New: func(string) Heuristic {
			return &regexHeuristic{id: id, label: label, pattern: re, validate: validate}
		},
	}
}

func nameFactory(id, label string, pattern string, types ...schema.ValueType) Factory {
	re := regexp.MustCompile(pattern)
	return Factory{
		ID:         id,
		Label:      label,
		ValueTypes: types,
		New: func(property string) Heuristic {
			return &nameHeuristic{id: id, label: label, matches: re.MatchString(NormalizeName(property))}
		},
	}
}

func regexFactories() []Factory {
	return []Factory{
		regexFactory("regex_email_address", LabelEmailAddress,
			`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`, nil, schema.String),
		regexFactory("regex_phone_number", LabelPhoneNumber,
			`^(\+?1[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}$|^\+\d{1,3}[\s.-]?\d{4,14}$`, nil, schema.String, schema.Integer),
		regexFactory("regex_ssn", LabelSSN,
			`^\d{3}-\d{2}-\d{4}$`, validSSN, schema.String),
		regexFactory("regex_credit_card", LabelCreditCard,
			`^(\d[ -]?){12,18}\d$`, luhn, schema.String, schema.Integer),
		regexFactory("regex_ip_v4_address", LabelIPv4Address,
			`^((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)$`, nil, schema.String),
	}
}

func nameFactories() []Factory {
	return []Factory{
		nameFactory("name_age", LabelAge,
			`^(age|ages)$|_age$|^age_`, schema.Integer, schema.Number, schema.String),
		nameFactory("name_gender", LabelGender,
			`^(gender|sex)$|_(gender|sex)$|^(gender|sex)_`, schema.String),
		nameFactory("name_date_of_birth", LabelDateOfBirth,
			`(^|_)(dob|birth_?date|date_?of_?birth|birthday)($|_)`, schema.Date, schema.DateTime, schema.String),
		nameFactory("name_secret", LabelSecret,
			`password|passwd|secret|api_?key|access_?token|private_?key|credential`, schema.String),
		nameFactory("name_passport_number", LabelPassportNumber,
			`passport`, schema.String, schema.Integer),
		nameFactory("name_drivers_license", LabelDriversLicense,
			`(drivers?|driving)_?licen[cs]e|(^|_)dl_?(number|no)($|_)`, schema.String, schema.Integer),
		nameFactory("name_geo_latitude", LabelGeoLatitude,
			`^(lat|latitude)$|_(lat|latitude)$`, schema.Number, schema.String),
		nameFactory("name_geo_longitude", LabelGeoLongitude,
			`^(lon|lng|long|longitude)$|_(lon|lng|long|longitude)$`, schema.Number, schema.String),
	}
}

// NormalizeName lower-cases a property name and separates words with
// underscores, so "userAge", "User Age" and "user-age" all become "user_age".
func NormalizeName(name string) string {
	var b strings.Builder
	var prev rune
	for i, r := range name {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			if prev != 0 && prev != '_' {
				b.WriteByte('_')
			}
			r = '_'
		}
		prev = r
	}
	return strings.Trim(b.String(), "_")
}

func valueString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	}
	s, _ := schema.CastValue(v, schema.String)
	str, _ := s.(string)
	return str
}

func validSSN(s string) bool {
	area := s[:3]
	return area != "000" && area != "666" && area[0] != '9' && s[4:6] != "00" && s[7:] != "0000"
}

func luhn(s string) bool {
	sum := 0
	double := false
	digits := 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		digits++
	}
	return digits >= 13 && sum%10 == 0
}
