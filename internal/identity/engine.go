package identity

import (
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/types"
)

// Engine stamps records with their identity fields: business-key hash, data
// hash, row-version, and the human-readable reference string.
type Engine struct {
	entityName        string
	businessKeyFields []string
	rowVersionField   string
	excludeFromHash   map[string]struct{}
	log               *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRowVersionField sets the source field the row-version is read from.
func WithRowVersionField(field string) Option {
	return func(e *Engine) { e.rowVersionField = field }
}

// WithExcludeFromDataHash overrides the default data-hash exclusion set.
func WithExcludeFromDataHash(fields ...string) Option {
	return func(e *Engine) {
		e.excludeFromHash = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			e.excludeFromHash[f] = struct{}{}
		}
	}
}

// NewEngine builds an identity engine for one entity.
func NewEngine(entityName string, businessKeyFields []string, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		entityName:        entityName,
		businessKeyFields: businessKeyFields,
		rowVersionField:   "rowversion",
		log:               log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stamp returns a copy of rec augmented with erp_key_hash, erp_data_hash,
// erp_rowversion (empty when the source carries none), and erp_ref_str.
// Fails when any business-key field is missing or null.
func (e *Engine) Stamp(rec types.Record) (types.Record, error) {
	bk, err := BKHash(rec, e.businessKeyFields, e.entityName)
	if err != nil {
		return nil, err
	}

	out := rec.Clone()
	out[types.FieldKeyHash] = bk
	out[types.FieldDataHash] = DataHash(rec, e.excludeFromHash)
	out[types.FieldRowVersion] = ExtractRowVersion(rec, e.rowVersionField)
	out[types.FieldRefStr] = RefString(rec, e.businessKeyFields)
	return out, nil
}

// BatchResult reports the outcome of a StampBatch call.
type BatchResult struct {
	Total      int
	Successful int
	Failed     int
}

// Failure pairs a rejected record with the error that rejected it.
type Failure struct {
	Record types.Record
	Err    error
}

// StampBatch stamps every record, collecting per-record failures instead of
// aborting the batch.
func (e *Engine) StampBatch(records []types.Record) ([]types.Record, []Failure, BatchResult) {
	stamped := make([]types.Record, 0, len(records))
	var failures []Failure

	for i, rec := range records {
		out, err := e.Stamp(rec)
		if err != nil {
			e.log.Warn("identity generation failed",
				zap.String("entity", e.entityName),
				zap.Int("row", i),
				zap.Error(err))
			failures = append(failures, Failure{Record: rec, Err: err})
			continue
		}
		stamped = append(stamped, out)
	}

	return stamped, failures, BatchResult{
		Total:      len(records),
		Successful: len(stamped),
		Failed:     len(failures),
	}
}

// Validate checks a stamped record's identity fields, returning one message
// per problem. An empty result means the identity is well formed.
func (e *Engine) Validate(rec types.Record) []string {
	var problems []string

	bk := rec.KeyHash()
	if bk == "" {
		problems = append(problems, "missing required identity field: "+types.FieldKeyHash)
	} else if !ValidBKHash(bk) {
		problems = append(problems, "invalid business key hash: "+bk)
	}

	dh := rec.DataHash()
	if dh == "" {
		problems = append(problems, "missing required identity field: "+types.FieldDataHash)
	} else if !ValidDataHash(dh) {
		problems = append(problems, "invalid data hash: "+dh)
	}

	if rec.RefStr() == "" {
		problems = append(problems, "missing required identity field: "+types.FieldRefStr)
	}

	return problems
}

// BusinessKeyValues extracts the business-key field values from a record.
func (e *Engine) BusinessKeyValues(rec types.Record) map[string]any {
	out := make(map[string]any, len(e.businessKeyFields))
	for _, f := range e.businessKeyFields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}
