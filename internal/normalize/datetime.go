package normalize

import (
	"strings"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

// datetimeLayouts are tried in declaration order. ISO forms come first so an
// ambiguous value resolves to the unambiguous interpretation.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"20060102150405",
	"20060102",
}

// ParseDatetime parses a source datetime string into canonical ISO 8601 form.
// Returns ("", false) when no layout matches.
func ParseDatetime(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range datetimeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 &&
			!strings.ContainsAny(s, ":") {
			return t.Format("2006-01-02"), true
		}
		if t.Nanosecond() != 0 {
			return t.Format("2006-01-02T15:04:05.999999"), true
		}
		return t.Format("2006-01-02T15:04:05"), true
	}
	return "", false
}

// datetimeLayer canonicalizes the configured datetime fields. A value that no
// layout parses is left unchanged so downstream validation can report it with
// the original text. With no declared fields, date-shaped strings are
// auto-detected.
func datetimeLayer(rec types.Record, datetimeFields []string) types.Record {
	if len(datetimeFields) == 0 {
		return autoDatetime(rec)
	}
	out := rec.Clone()
	for _, field := range datetimeFields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case time.Time:
			out[field] = x.Format("2006-01-02T15:04:05")
		case string:
			if iso, parsed := ParseDatetime(x); parsed {
				out[field] = iso
			}
		}
	}
	return out
}

// autoDatetime canonicalizes date-shaped strings. Separator-free layouts like
// 20060102 need a declared field; a bare digit string is too ambiguous.
func autoDatetime(rec types.Record) types.Record {
	var out types.Record
	for field, v := range rec {
		s, isStr := v.(string)
		if !isStr || !looksDatetime(s) {
			continue
		}
		iso, parsed := ParseDatetime(s)
		if !parsed {
			continue
		}
		if out == nil {
			out = rec.Clone()
		}
		out[field] = iso
	}
	if out == nil {
		return rec
	}
	return out
}

func looksDatetime(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 || !strings.ContainsAny(s, "0123456789") {
		return false
	}
	return strings.ContainsAny(s, "-/.:")
}
