// Package types holds the value types shared across the sync pipeline:
// in-flight records, entity configuration, batch bookkeeping rows, and the
// error taxonomy. Consumers depend on these types rather than on storage or
// transport packages so that the pipeline stages stay decoupled.
package types

import (
	"encoding/json"
	"fmt"
)

// Reserved field names stamped onto a record by the identity stage.
const (
	FieldKeyHash    = "erp_key_hash"
	FieldDataHash   = "erp_data_hash"
	FieldRowVersion = "erp_rowversion"
	FieldRefStr     = "erp_ref_str"
	FieldParentRefs = "parent_refs"
)

// Record is a single in-flight row: field name to scalar value. Values are
// the JSON scalar set (string, float64, int64, bool, nil) plus nested
// maps/slices for composite source columns.
type Record map[string]any

// Clone returns a shallow copy. Pipeline layers never mutate their input.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// KeyHash returns the stamped business-key hash, or "" before identity.
func (r Record) KeyHash() string { return r.stringField(FieldKeyHash) }

// DataHash returns the stamped data hash, or "" before identity.
func (r Record) DataHash() string { return r.stringField(FieldDataHash) }

// RowVersion returns the stamped row-version, or "" when the source has none.
func (r Record) RowVersion() string { return r.stringField(FieldRowVersion) }

// RefStr returns the human-readable business-key reference string.
func (r Record) RefStr() string { return r.stringField(FieldRefStr) }

// ParentRefs returns the enrichment map of reference-name to parent BK hash.
// A nil entry means the child field was null. Returns nil before enrichment.
func (r Record) ParentRefs() map[string]*string {
	switch v := r[FieldParentRefs].(type) {
	case map[string]*string:
		return v
	default:
		return nil
	}
}

func (r Record) stringField(name string) string {
	if v, ok := r[name].(string); ok {
		return v
	}
	return ""
}

// JSON renders the record as compact JSON for persistence in JSONB columns.
func (r Record) JSON() ([]byte, error) {
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return b, nil
}

// RecordFromJSON decodes a persisted record payload.
func RecordFromJSON(data []byte) (Record, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return Record(m), nil
}
