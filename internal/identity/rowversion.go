package identity

import (
	"strconv"
	"strings"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

// rowversionTimeFormats are tried in order when a row-version looks like a
// timestamp ('T' or space separated date and time).
var rowversionTimeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ExtractRowVersion pulls the row-version out of a record as a normalized
// string. Returns "" when the field is absent or null.
func ExtractRowVersion(rec types.Record, field string) string {
	v, ok := rec[field]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return CanonicalValue(v)
	}
}

// CompareRowVersions orders two row-versions: -1 when a < b, 0 when equal,
// 1 when a > b. An empty row-version sorts before any non-empty one.
//
// Comparison precedence follows the source's marker semantics: both parse as
// timestamps -> chronological; both parse as numbers -> numeric; otherwise
// plain string comparison.
func CompareRowVersions(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	if ta, ok := parseRowVersionTime(a); ok {
		if tb, ok := parseRowVersionTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}

	if na, err := strconv.ParseFloat(a, 64); err == nil {
		if nb, err := strconv.ParseFloat(b, 64); err == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(a, b)
}

// RowVersionNewer reports whether current is strictly newer than stored.
func RowVersionNewer(current, stored string) bool {
	return CompareRowVersions(current, stored) > 0
}

// MaxRowVersion returns the largest row-version stamped on any record in the
// slice, or "" when none carries one.
func MaxRowVersion(records []types.Record) string {
	var max string
	for _, rec := range records {
		rv := rec.RowVersion()
		if rv == "" {
			continue
		}
		if max == "" || RowVersionNewer(rv, max) {
			max = rv
		}
	}
	return max
}

func parseRowVersionTime(s string) (time.Time, bool) {
	if !strings.ContainsAny(s, "T ") {
		return time.Time{}, false
	}
	for _, layout := range rowversionTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
