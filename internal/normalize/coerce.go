// Package normalize implements the five-layer declarative normalization
// pipeline: type coercion, string cleaning, numeric parsing, datetime
// parsing, and field mapping. Every layer is pure per-record; the pipeline is
// their strict composition.
package normalize

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

// SourceType is the declared upstream column type used by layer 1.
type SourceType string

const (
	TypeString   SourceType = "string"
	TypeNumber   SourceType = "number"
	TypeDatetime SourceType = "datetime"
	TypeBinary   SourceType = "binary"
	TypeBoolean  SourceType = "boolean"
)

// sourceTypeAliases maps upstream type names (Oracle style and generic) onto
// the coercion classes.
var sourceTypeAliases = map[string]SourceType{
	"VARCHAR2": TypeString, "CHAR": TypeString, "CLOB": TypeString,
	"NVARCHAR2": TypeString, "NCHAR": TypeString, "NCLOB": TypeString,
	"TEXT": TypeString, "STRING": TypeString,
	"NUMBER": TypeNumber, "NUMERIC": TypeNumber, "DECIMAL": TypeNumber,
	"INTEGER": TypeNumber, "INT": TypeNumber, "FLOAT": TypeNumber,
	"DATE": TypeDatetime, "TIMESTAMP": TypeDatetime,
	"TIMESTAMP WITH TIME ZONE":       TypeDatetime,
	"TIMESTAMP WITH LOCAL TIME ZONE": TypeDatetime,
	"DATETIME":                       TypeDatetime,
	"RAW":                            TypeBinary, "LONG RAW": TypeBinary, "BLOB": TypeBinary, "BINARY": TypeBinary,
	"BOOLEAN": TypeBoolean, "BOOL": TypeBoolean,
}

var boolTrue = map[string]bool{"TRUE": true, "T": true, "YES": true, "Y": true, "1": true}
var boolFalse = map[string]bool{"FALSE": true, "F": true, "NO": true, "N": true, "0": true}

// CoerceValue converts a raw source value according to its declared type.
// With no declared type the value's own shape decides. String types trim and
// turn empty into nil; numeric types prefer int64 for integral values.
func CoerceValue(v any, declared string) any {
	if v == nil {
		return nil
	}

	st, ok := sourceTypeAliases[strings.ToUpper(strings.TrimSpace(declared))]
	if !ok {
		st = inferSourceType(v)
	}

	switch st {
	case TypeString:
		s := strings.TrimSpace(toString(v))
		if s == "" {
			return nil
		}
		return s

	case TypeNumber:
		return coerceNumber(v)

	case TypeDatetime:
		switch x := v.(type) {
		case time.Time:
			return x.Format(isoLayout(x))
		case string:
			return strings.TrimSpace(x)
		default:
			return toString(v)
		}

	case TypeBinary:
		switch x := v.(type) {
		case []byte:
			return hex.EncodeToString(x)
		default:
			return toString(v)
		}

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case string:
			upper := strings.ToUpper(strings.TrimSpace(x))
			if boolTrue[upper] {
				return true
			}
			if boolFalse[upper] {
				return false
			}
			return x != ""
		case float64:
			return x != 0
		case int, int64:
			return toString(v) != "0"
		default:
			return v
		}

	default:
		return toString(v)
	}
}

func inferSourceType(v any) SourceType {
	switch v.(type) {
	case string:
		return TypeString
	case float64, float32, int, int64, int32:
		return TypeNumber
	case time.Time:
		return TypeDatetime
	case []byte:
		return TypeBinary
	case bool:
		return TypeBoolean
	default:
		return TypeString
	}
}

func coerceNumber(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case float32:
		return coerceFloat(float64(x))
	case float64:
		return coerceFloat(x)
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		if s == "" {
			return nil
		}
		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return coerceFloat(f)
		}
		return nil
	default:
		return v
	}
}

// coerceFloat prefers int64 for integral values.
func coerceFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format(isoLayout(x))
	default:
		return fmt.Sprint(v)
	}
}

func isoLayout(t time.Time) string {
	if t.Nanosecond() != 0 {
		return "2006-01-02T15:04:05.999999"
	}
	return "2006-01-02T15:04:05"
}

// coerceLayer applies type coercion to every field using the optional
// declared-type map.
func coerceLayer(rec types.Record, declaredTypes map[string]string) types.Record {
	out := make(types.Record, len(rec))
	for field, v := range rec {
		out[field] = CoerceValue(v, declaredTypes[field])
	}
	return out
}
