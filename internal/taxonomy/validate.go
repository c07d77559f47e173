package taxonomy

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	defaultKnownConfidence   = 0.5
	defaultUnknownConfidence = 0.0
)

// aliases are accepted alternative keys for each dimension.
var aliases = map[Dimension][]string{
	Family:         {"family"},
	TierLevel:      {"tier_level", "tierLevel", "tier"},
	FunctionalType: {"functional_type", "functionalType"},
	SubType:        {"sub_type", "subType", "subtype"},
}

// Validate normalizes raw, a decoded JSON value, against spec. It never
// fails: anything unusable becomes Unknown or a default.
//
//   - A dimension value outside its allowed set becomes Unknown with a
//     default reason, unless the model already gave one.
//   - Per-dimension confidence is coerced to [0,1]. Missing or non-numeric
//     values default to 0.0 for Unknown dimensions and 0.5 otherwise.
//   - Overall confidence is the minimum across dimensions. A supplied
//     "overall" replaces it only when it is a number in [0,1] no greater
//     than that minimum.
//   - Evidence becomes a list of non-empty strings.
func Validate(raw any, spec Spec) Record {
	obj := asObject(raw)

	rec := Record{
		Confidence:     make(map[string]float64, len(Dimensions)+1),
		UnknownReasons: make(map[string]string),
	}

	suppliedReasons := stringMap(field(obj, "unknown_reasons", "unknownReasons"))
	confidence, _ := field(obj, "confidence").(map[string]any)

	minConf := 1.0
	for _, d := range Dimensions {
		value, reason := normalizeValue(spec, d, field(obj, aliases[d]...))
		rec.set(d, value)

		if value == Unknown {
			if r := strings.TrimSpace(suppliedReasons[string(d)]); r != "" {
				reason = r
			}
			rec.UnknownReasons[string(d)] = reason
		}

		c, ok := toFloat(field(confidence, aliases[d]...))
		switch {
		case !ok && value == Unknown:
			c = defaultUnknownConfidence
		case !ok:
			c = defaultKnownConfidence
		}
		c = clamp01(c)
		rec.Confidence[string(d)] = c
		minConf = math.Min(minConf, c)
	}

	overall := minConf
	if o, ok := toFloat(field(confidence, OverallKey)); ok && o >= 0 && o <= 1 && o <= minConf {
		overall = o
	}
	rec.Confidence[OverallKey] = clamp01(overall)

	rec.Evidence = normalizeEvidence(field(obj, "evidence"))
	return rec
}

// normalizeValue returns the canonical value for d and, when the result is
// Unknown, a default reason.
func normalizeValue(spec Spec, d Dimension, v any) (string, string) {
	if v == nil {
		return Unknown, fmt.Sprintf("no %s provided", d)
	}
	s, ok := v.(string)
	if !ok {
		return Unknown, fmt.Sprintf("%s has non-text value %v", d, v)
	}
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Unknown, fmt.Sprintf("no %s provided", d)
	case strings.EqualFold(s, Unknown):
		return Unknown, fmt.Sprintf("model could not determine %s", d)
	}
	if canonical, ok := spec.lookup(d, s); ok {
		return canonical, ""
	}
	return Unknown, fmt.Sprintf("%q is not an allowed %s", s, d)
}

func normalizeEvidence(v any) []string {
	out := []string{}
	add := func(item any) {
		var s string
		switch x := item.(type) {
		case string:
			s = x
		case json.Number:
			s = x.String()
		case float64, bool, int, int64:
			s = fmt.Sprint(x)
		default:
			return
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	if list, ok := v.([]any); ok {
		for _, item := range list {
			add(item)
		}
		return out
	}
	add(v)
	return out
}

// asObject unwraps raw into an object. A one-element array holding an object
// is accepted; anything else is treated as empty.
func asObject(raw any) map[string]any {
	switch x := raw.(type) {
	case map[string]any:
		return x
	case []any:
		if len(x) == 1 {
			if m, ok := x[0].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// field returns the first non-nil value among keys in obj.
func field(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringMap(v any) map[string]string {
	m, _ := v.(map[string]any)
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// toFloat coerces JSON numbers and numeric strings. NaN and infinities are
// rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
