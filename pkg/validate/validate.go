// Package validate derives per-column validation rules from introspected
// SQL types, merges caller-supplied refinements, and casts incoming
// payloads. Failures produce field-path-keyed error trees, never panics;
// database-backed checks (uniqueness, foreign-key existence) build on
// the same Errors type.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tablekit/tablekit/pkg/catalog"
)

// Rule refines validation for one field, overriding or extending the
// base rule derived from the column type. Zero values leave the base
// behavior untouched.
type Rule struct {
	Required  bool
	MinLength int
	MaxLength int
	Min       *float64
	Max       *float64
	// MinField/MaxField bound the value by a sibling field of the same
	// payload, e.g. ends_at bounded below by starts_at.
	MinField string
	MaxField string
	OneOf    []any
	Pattern  *regexp.Regexp
	// Check runs after type casting; a non-empty return is the
	// per-field error message.
	Check func(value any, row map[string]any) string
}

// Schema validates payloads against one table.
type Schema struct {
	table *catalog.Table
	rules map[string]Rule
}

// New builds a validation schema for a table with optional field rules.
func New(t *catalog.Table, rules map[string]Rule) *Schema {
	if rules == nil {
		rules = map[string]Rule{}
	}
	return &Schema{table: t, rules: rules}
}

// Validate type-checks and casts payload fields. For inserts, columns
// that are non-nullable with no database default and not generated by
// the caller must be present. Fields naming no column are ignored; the
// orchestrator routes relation keys before validation. The returned
// map holds the cast values for every valid field.
func (s *Schema) Validate(payload map[string]any, insert bool) (map[string]any, Errors) {
	errs := Errors{}
	out := make(map[string]any, len(payload))

	for name, value := range payload {
		col, ok := s.table.Column(name)
		if !ok {
			continue
		}
		cast, msg := castValue(col, value)
		if msg != "" {
			errs.Add(name, msg)
			continue
		}
		out[name] = cast
	}

	if insert {
		for _, col := range s.table.Columns {
			if col.Nullable || col.HasDefault() {
				continue
			}
			if v, ok := out[col.Name]; !ok || v == nil {
				errs.Add(col.Name, "is required")
			}
		}
	}

	for field, rule := range s.rules {
		value, present := out[field]
		// Required binds the field on insert; an update may omit it but
		// not blank it.
		if rule.Required && present && (value == nil || value == "") {
			errs.Add(field, "is required")
			continue
		}
		if rule.Required && !present && insert {
			errs.Add(field, "is required")
			continue
		}
		if !present || value == nil {
			continue
		}
		if msg := applyRule(rule, value, out); msg != "" {
			errs.Add(field, msg)
		}
	}

	if !errs.Empty() {
		return nil, errs
	}
	return out, nil
}

func applyRule(rule Rule, value any, row map[string]any) string {
	if str, ok := value.(string); ok {
		if rule.MinLength > 0 && len(str) < rule.MinLength {
			return fmt.Sprintf("must be at least %d characters", rule.MinLength)
		}
		if rule.MaxLength > 0 && len(str) > rule.MaxLength {
			return fmt.Sprintf("must be at most %d characters", rule.MaxLength)
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(str) {
			return "is invalid"
		}
	}

	if num, ok := asFloat(value); ok {
		if rule.Min != nil && num < *rule.Min {
			return fmt.Sprintf("must be at least %v", *rule.Min)
		}
		if rule.Max != nil && num > *rule.Max {
			return fmt.Sprintf("must be at most %v", *rule.Max)
		}
		if rule.MinField != "" {
			if bound, ok := asFloat(row[rule.MinField]); ok && num < bound {
				return fmt.Sprintf("must not be less than %s", rule.MinField)
			}
		}
		if rule.MaxField != "" {
			if bound, ok := asFloat(row[rule.MaxField]); ok && num > bound {
				return fmt.Sprintf("must not be greater than %s", rule.MaxField)
			}
		}
	}

	if len(rule.OneOf) > 0 {
		found := false
		for _, allowed := range rule.OneOf {
			if value == allowed {
				found = true
				break
			}
		}
		if !found {
			return "is not an allowed value"
		}
	}

	if rule.Check != nil {
		return rule.Check(value, row)
	}
	return ""
}

// castValue coerces a payload value to the column's SQL type family.
// A non-empty second return is the validation message.
func castValue(col catalog.Column, value any) (any, string) {
	if value == nil {
		if !col.Nullable {
			return nil, "must not be null"
		}
		return nil, ""
	}

	switch typeFamily(col.DataType) {
	case kindInt:
		n, ok := asInt(value)
		if !ok {
			return nil, "must be an integer"
		}
		return n, ""
	case kindFloat:
		f, ok := asFloat(value)
		if !ok {
			return nil, "must be a number"
		}
		return f, ""
	case kindBool:
		b, ok := asBool(value)
		if !ok {
			return nil, "must be true or false"
		}
		return b, ""
	case kindUUID:
		str, ok := value.(string)
		if !ok {
			switch v := value.(type) {
			case uuid.UUID:
				return v, ""
			case [16]byte:
				return uuid.UUID(v), ""
			}
			return nil, "must be a uuid"
		}
		id, err := uuid.Parse(str)
		if err != nil {
			return nil, "must be a uuid"
		}
		return id, ""
	case kindTime:
		switch v := value.(type) {
		case time.Time:
			return v, ""
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
				if ts, err := time.Parse(layout, v); err == nil {
					return ts, ""
				}
			}
			return nil, "must be a timestamp"
		default:
			return nil, "must be a timestamp"
		}
	case kindJSON:
		return value, ""
	default: // strings and everything the driver can encode directly
		str, ok := value.(string)
		if !ok {
			// Non-string scalars stringify for text columns.
			switch value.(type) {
			case float64, int, int64, bool:
				str = fmt.Sprintf("%v", value)
			default:
				return nil, "must be a string"
			}
		}
		if col.Length > 0 && len(str) > col.Length {
			return nil, "is too long"
		}
		return str, ""
	}
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindBool
	kindUUID
	kindTime
	kindJSON
)

func typeFamily(dataType string) kind {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint", "smallserial", "serial", "bigserial":
		return kindInt
	case "numeric", "decimal", "real", "double precision":
		return kindFloat
	case "boolean":
		return kindBool
	case "uuid":
		return kindUUID
	case "date", "timestamp without time zone", "timestamp with time zone", "time without time zone", "time with time zone":
		return kindTime
	case "json", "jsonb":
		return kindJSON
	default:
		return kindString
	}
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}
