package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/erpbridge/erpbridge/internal/types"
)

var specialChars = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

// ApplyTransform applies a declarative transform to a string value.
func ApplyTransform(s string, t types.Transformation) string {
	switch t {
	case types.TransformUppercase:
		return strings.ToUpper(s)
	case types.TransformLowercase:
		return strings.ToLower(s)
	case types.TransformTrim:
		return strings.TrimSpace(s)
	case types.TransformTitleCase:
		return titleCase(s)
	case types.TransformCapitalize:
		return capitalize(s)
	case types.TransformStripSpace:
		return strings.Join(strings.Fields(s), "")
	case types.TransformRemoveSpecial:
		return specialChars.ReplaceAllString(s, "")
	default:
		return s
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func capitalize(s string) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	for i := 1; i < len(runes); i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// MapFields projects a record through its field mappings: source fields are
// renamed to target fields, transforms applied, defaults filled in for null
// values, and required-field violations reported. Unmapped source fields pass
// through unchanged. Violations do not fail the record; the caller decides.
func MapFields(rec types.Record, mappings []types.FieldMapping) (types.Record, []string) {
	if len(mappings) == 0 {
		return rec.Clone(), nil
	}

	mapped := make(map[string]struct{}, len(mappings))
	out := make(types.Record, len(rec))
	var violations []string

	for _, m := range mappings {
		mapped[m.SourceField] = struct{}{}

		v, ok := rec[m.SourceField]
		if !ok {
			v = nil
		}

		if s, isStr := v.(string); isStr && m.Transformation != "" && m.Transformation != types.TransformNone {
			v = ApplyTransform(s, m.Transformation)
		}

		if v == nil && m.DefaultValue != "" {
			v = m.DefaultValue
		}

		if v == nil && m.IsRequired {
			violations = append(violations, "required field "+m.TargetField+" is null after mapping")
		}

		out[m.TargetField] = v
	}

	for field, v := range rec {
		if _, consumed := mapped[field]; consumed {
			continue
		}
		if _, taken := out[field]; taken {
			continue
		}
		out[field] = v
	}

	return out, violations
}
