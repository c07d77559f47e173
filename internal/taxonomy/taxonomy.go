// Package taxonomy normalizes model-produced media classifications.
//
// A classification has four required dimensions, each drawn from a fixed
// allowed set or the sentinel "Unknown". Validate turns whatever the model
// returned into a Record that is always safe to persist.
package taxonomy

import (
	"slices"
	"strings"
)

// Unknown is the sentinel for a dimension with no valid value.
const Unknown = "Unknown"

// OverallKey is the confidence map entry holding the overall confidence.
const OverallKey = "overall"

// Dimension names a taxonomy field as it appears in model output.
type Dimension string

const (
	Family         Dimension = "family"
	TierLevel      Dimension = "tier_level"
	FunctionalType Dimension = "functional_type"
	SubType        Dimension = "sub_type"
)

// Dimensions lists the required dimensions in output order.
var Dimensions = []Dimension{Family, TierLevel, FunctionalType, SubType}

// Spec holds the allowed values for each dimension.
type Spec struct {
	Allowed map[Dimension][]string
}

// DefaultSpec returns the media taxonomy used by batch classification.
func DefaultSpec() Spec {
	return Spec{
		Allowed: map[Dimension][]string{
			Family: {
				"Photo", "Video", "Screenshot", "Screen Recording", "Graphic", "Document",
			},
			TierLevel: {
				"Hero", "Feature", "Supporting", "Archive", "Discard",
			},
			FunctionalType: {
				"Portrait", "Group", "Landscape", "Cityscape", "Food", "Event",
				"Wildlife", "Detail", "Text", "Product",
			},
			SubType: {
				"Close-up", "Wide", "Action", "Candid", "Posed", "Aerial", "Night",
				"Macro", "Panorama", "Timelapse", "Slow Motion", "Selfie", "Other",
			},
		},
	}
}

// lookup returns the canonical spelling of v in d's allowed set. Matching
// ignores case and surrounding whitespace.
func (s Spec) lookup(d Dimension, v string) (string, bool) {
	v = strings.TrimSpace(v)
	i := slices.IndexFunc(s.Allowed[d], func(a string) bool {
		return strings.EqualFold(a, v)
	})
	if i < 0 {
		return "", false
	}
	return s.Allowed[d][i], true
}

// Record is a validated classification. It is not modified after Validate
// returns it.
type Record struct {
	Family         string             `json:"family"`
	TierLevel      string             `json:"tier_level"`
	FunctionalType string             `json:"functional_type"`
	SubType        string             `json:"sub_type"`
	Confidence     map[string]float64 `json:"confidence"`
	UnknownReasons map[string]string  `json:"unknown_reasons"`
	Evidence       []string           `json:"evidence"`
}

// Value returns the record's value for d.
func (r Record) Value(d Dimension) string {
	switch d {
	case Family:
		return r.Family
	case TierLevel:
		return r.TierLevel
	case FunctionalType:
		return r.FunctionalType
	case SubType:
		return r.SubType
	}
	return ""
}

func (r *Record) set(d Dimension, v string) {
	switch d {
	case Family:
		r.Family = v
	case TierLevel:
		r.TierLevel = v
	case FunctionalType:
		r.FunctionalType = v
	case SubType:
		r.SubType = v
	}
}

// Overall returns the overall confidence.
func (r Record) Overall() float64 {
	return r.Confidence[OverallKey]
}

// UnknownCount returns how many dimensions are Unknown.
func (r Record) UnknownCount() int {
	n := 0
	for _, d := range Dimensions {
		if r.Value(d) == Unknown {
			n++
		}
	}
	return n
}
