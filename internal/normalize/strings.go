package normalize

import (
	"strings"

	"github.com/erpbridge/erpbridge/internal/types"
)

// CleanString normalizes a text value: control characters other than tab,
// newline, and carriage return are stripped, line endings become LF,
// whitespace runs inside a line collapse to one space, blank lines drop, and
// outer whitespace is trimmed. Returns ("", false) when the result is empty,
// signalling the caller to null the field.
func CleanString(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}

	cleaned := strings.ReplaceAll(b.String(), "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")

	lines := strings.Split(cleaned, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}

	result := strings.Join(out, "\n")
	if result == "" {
		return "", false
	}
	return result, true
}

// stringLayer cleans every string field in the record. Fields whose cleaned
// value is empty become nil.
func stringLayer(rec types.Record) types.Record {
	out := make(types.Record, len(rec))
	for field, v := range rec {
		s, ok := v.(string)
		if !ok {
			out[field] = v
			continue
		}
		cleaned, nonEmpty := CleanString(s)
		if !nonEmpty {
			out[field] = nil
			continue
		}
		out[field] = cleaned
	}
	return out
}
