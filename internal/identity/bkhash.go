// Package identity computes the deterministic fingerprints that drive record
// matching and delta detection: a 128-bit business-key hash (XXH128), a
// 256-bit data hash (BLAKE3), and an opaque comparable row-version.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/erpbridge/erpbridge/internal/types"
)

// BKHashLen is the hex length of a business-key hash (XXH128).
const BKHashLen = 32

// BKHash computes the business-key hash for a record.
//
// The canonical input is "field=value" pairs for the configured business-key
// fields, sorted lexicographically and joined with "|", optionally prefixed
// with the entity name. The same record and key list always produce the same
// hash, regardless of the record's field insertion order.
func BKHash(rec types.Record, businessKeyFields []string, entityName string) (string, error) {
	if len(businessKeyFields) == 0 {
		return "", types.E(types.KindIdentity, "business key fields cannot be empty")
	}

	pairs := make([]string, 0, len(businessKeyFields))
	for _, field := range businessKeyFields {
		v, ok := rec[field]
		if !ok {
			return "", types.E(types.KindIdentity, "business key field %q not found in record", field)
		}
		if v == nil {
			return "", types.E(types.KindIdentity, "business key field %q is null", field)
		}
		pairs = append(pairs, field+"="+CanonicalValue(v))
	}
	sort.Strings(pairs)

	canonical := strings.Join(pairs, "|")
	if entityName != "" {
		canonical = entityName + "|" + canonical
	}

	sum := xxh3.Hash128([]byte(canonical)).Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// ValidBKHash reports whether s is a well-formed 32-hex business-key hash.
func ValidBKHash(s string) bool {
	if len(s) != BKHashLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// RefString builds the human-readable "field=value|…" debug reference for a
// record, in business-key field order, skipping null fields.
func RefString(rec types.Record, businessKeyFields []string) string {
	parts := make([]string, 0, len(businessKeyFields))
	for _, field := range businessKeyFields {
		if v, ok := rec[field]; ok && v != nil {
			parts = append(parts, field+"="+CanonicalValue(v))
		}
	}
	return strings.Join(parts, "|")
}

// CanonicalValue renders a scalar in the canonical string form used by both
// hashes: reals with at most six fractional digits and trailing zeros
// stripped, integers without a decimal point, booleans as true/false, strings
// trimmed, composites as compact JSON with sorted keys.
func CanonicalValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return canonicalFloat(x)
	case float32:
		return canonicalFloat(float64(x))
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case json.Number:
		return x.String()
	case map[string]any, []any:
		// encoding/json emits map keys in sorted order, which makes this a
		// canonical compact rendering.
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func canonicalFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
