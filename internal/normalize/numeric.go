package normalize

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/types"
)

var currencySymbols = []string{"$", "€", "£", "¥", "₹"}

// ParseNumeric parses a formatted numeric string: thousands separators,
// currency symbols, accounting-style negatives "(123.45)", percent signs, and
// scientific notation are all accepted. Integral results come back as int64.
// Returns (nil, false) when the string is not a number.
func ParseNumeric(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			if negative {
				n = -n
			}
			return n, true
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	if negative {
		f = -f
	}
	if f == float64(int64(f)) {
		return int64(f), true
	}
	return f, true
}

// numericLayer parses the configured numeric fields. A string that cannot be
// parsed becomes nil with a warning; non-string values pass through. With no
// declared fields, values that look like formatted numbers are auto-detected.
func numericLayer(rec types.Record, numericFields []string, log *zap.Logger) types.Record {
	if len(numericFields) == 0 {
		return autoNumeric(rec)
	}
	out := rec.Clone()
	for _, field := range numericFields {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		n, parsed := ParseNumeric(s)
		if !parsed {
			log.Warn("unparsable numeric value nulled",
				zap.String("field", field),
				zap.String("value", s))
			out[field] = nil
			continue
		}
		out[field] = n
	}
	return out
}

// autoNumeric parses values that look like formatted numbers. Unlike the
// declared path, unparsable values are left alone rather than nulled.
func autoNumeric(rec types.Record) types.Record {
	var out types.Record
	for field, v := range rec {
		s, isStr := v.(string)
		if !isStr || !looksNumeric(s) {
			continue
		}
		n, parsed := ParseNumeric(s)
		if !parsed {
			continue
		}
		if out == nil {
			out = rec.Clone()
		}
		out[field] = n
	}
	if out == nil {
		return rec
	}
	return out
}

// looksNumeric gates auto-detection: the value must carry a digit plus number
// formatting (separator, currency, percent, accounting parens) or a single
// decimal point. Plain digit strings stay untouched so zero-padded
// identifiers survive.
func looksNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "0123456789") {
		return false
	}
	if strings.ContainsAny(s, ",%(") {
		return true
	}
	for _, sym := range currencySymbols {
		if strings.Contains(s, sym) {
			return true
		}
	}
	return strings.Count(s, ".") == 1 && !strings.ContainsAny(s, "/-: ")
}
