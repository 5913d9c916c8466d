package normalize

import (
	"go.uber.org/zap"

	"github.com/erpbridge/erpbridge/internal/types"
)

// Config declares how one entity's records normalize. All fields are
// optional; a zero Config makes the engine a type-coercion and string-cleaning
// pass only.
type Config struct {
	// DeclaredTypes maps source field name to its upstream column type.
	DeclaredTypes map[string]string
	// NumericFields are parsed from formatted strings in layer 3.
	NumericFields []string
	// DatetimeFields are canonicalized to ISO 8601 in layer 4.
	DatetimeFields []string
	// Mappings drive the layer-5 field projection.
	Mappings []types.FieldMapping
}

// Engine runs the five normalization layers in order over records of one
// entity.
type Engine struct {
	entityName string
	cfg        Config
	log        *zap.Logger
}

// NewEngine builds a normalization engine for one entity.
func NewEngine(entityName string, cfg Config, log *zap.Logger) *Engine {
	return &Engine{entityName: entityName, cfg: cfg, log: log}
}

// Normalize runs one record through all five layers. Field-mapping violations
// (required target null after defaults) are returned alongside the record;
// they do not fail it.
func (e *Engine) Normalize(rec types.Record) (types.Record, []string) {
	out := coerceLayer(rec, e.cfg.DeclaredTypes)
	out = stringLayer(out)
	out = numericLayer(out, e.cfg.NumericFields, e.log)
	out = datetimeLayer(out, e.cfg.DatetimeFields)
	return MapFields(out, e.cfg.Mappings)
}

// BatchMetrics summarizes a NormalizeBatch call.
type BatchMetrics struct {
	Total      int
	Successful int
	Violations int
}

// Violation pairs a record with its required-field problems.
type Violation struct {
	Record   types.Record
	Problems []string
}

// NormalizeBatch normalizes every record. Records with required-field
// violations are still returned normalized, with their problems collected
// separately so the caller can dead-letter or accept them.
func (e *Engine) NormalizeBatch(records []types.Record) ([]types.Record, []Violation, BatchMetrics) {
	out := make([]types.Record, 0, len(records))
	var violations []Violation

	for i, rec := range records {
		norm, problems := e.Normalize(rec)
		out = append(out, norm)
		if len(problems) > 0 {
			e.log.Warn("normalization violations",
				zap.String("entity", e.entityName),
				zap.Int("row", i),
				zap.Strings("problems", problems))
			violations = append(violations, Violation{Record: norm, Problems: problems})
		}
	}

	return out, violations, BatchMetrics{
		Total:      len(records),
		Successful: len(out) - len(violations),
		Violations: len(violations),
	}
}
