package identity

import (
	"encoding/hex"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"github.com/erpbridge/erpbridge/internal/types"
)

// DataHashLen is the hex length of a data hash (BLAKE3-256).
const DataHashLen = 64

// defaultExcludeFields are never part of the data hash: audit timestamps,
// primary keys, and the identity fields themselves.
var defaultExcludeFields = map[string]struct{}{
	"created_at":          {},
	"updated_at":          {},
	"created_at_utc":      {},
	"updated_at_utc":      {},
	"uid":                 {},
	"id":                  {},
	types.FieldKeyHash:    {},
	types.FieldDataHash:   {},
	types.FieldRowVersion: {},
}

// DataHash computes the content fingerprint of a record over every field not
// in the exclusion set. Null values are omitted, fields are sorted, values
// rendered canonically, so two records with the same content always hash the
// same. A nil exclude set selects the default exclusions.
func DataHash(rec types.Record, exclude map[string]struct{}) string {
	if exclude == nil {
		exclude = defaultExcludeFields
	}

	fields := make([]string, 0, len(rec))
	for field, v := range rec {
		if _, skip := exclude[field]; skip {
			continue
		}
		if v == nil {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	pairs := make([]string, 0, len(fields))
	for _, field := range fields {
		pairs = append(pairs, field+"="+CanonicalValue(rec[field]))
	}

	sum := blake3.Sum256([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])
}

// ValidDataHash reports whether s is a well-formed 64-hex data hash.
func ValidDataHash(s string) bool {
	if len(s) != DataHashLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Changed reports whether rec's current content differs from a previously
// stored data hash.
func Changed(rec types.Record, storedDataHash string, exclude map[string]struct{}) bool {
	return DataHash(rec, exclude) != storedDataHash
}
