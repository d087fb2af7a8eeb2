// Package coerce implements Stage 2 of the input pipeline (spec.md section
// 4.4): schema-driven type coercion of the rendered-string map produced by
// internal/render into typed JSON values.
//
// santhosh-tekuri/jsonschema/v6 (wired for LockedWorkflow and declared
// input-schema structural validation in internal/validate) is a validator,
// not a coercer — it has no notion of "parse this string as an integer."
// The per-type parse table below is bespoke business logic with no
// off-the-shelf equivalent in the pack; see DESIGN.md's stdlib-fallback
// entry for this package.
package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/definitelycarter/fuschia/internal/xerrors"
)

// FieldType is a declared input schema field's JSON Schema primitive type.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeNull    FieldType = "null"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field describes one declared field of a component's input schema.
type Field struct {
	Type     FieldType
	Required bool
}

// Schema is field name -> declaration, the shape internal/validate loads
// out of a component's declared JSON Schema "properties"/"required".
type Schema map[string]Field

// Coerce applies Stage 2 to a Stage-1-rendered field map, per spec.md
// section 4.4's parse-rule table. Rendered strings not present in schema
// pass through as strings unchanged. Required fields absent from rendered
// produce InputResolution; parse failures likewise produce InputResolution.
func Coerce(nodeID string, rendered map[string]string, schema Schema) (map[string]any, error) {
	out := make(map[string]any, len(rendered)+len(schema))

	for name, field := range schema {
		raw, present := rendered[name]
		if !present {
			if field.Required {
				return nil, xerrors.InputResolution(nodeID, fmt.Sprintf("required field %q is missing", name))
			}
			continue
		}
		val, err := parseField(raw, field.Type)
		if err != nil {
			return nil, xerrors.InputResolution(nodeID, fmt.Sprintf("field %q: %v", name, err))
		}
		out[name] = val
	}

	for name, raw := range rendered {
		if _, declared := schema[name]; !declared {
			out[name] = raw
		}
	}

	return out, nil
}

func parseField(raw string, t FieldType) (any, error) {
	switch t {
	case TypeString:
		return raw, nil
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not a valid integer: %q", raw)
		}
		return n, nil
	case TypeNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("not a valid number: %q", raw)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("non-finite number: %q", raw)
		}
		return n, nil
	case TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, fmt.Errorf("not a valid boolean: %q", raw)
		}
	case TypeNull:
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.EqualFold(trimmed, "null") {
			return nil, nil
		}
		return nil, fmt.Errorf("not a valid null: %q", raw)
	case TypeArray:
		var v []any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("not a valid JSON array: %v", err)
		}
		return v, nil
	case TypeObject:
		var v map[string]any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("not a valid JSON object: %v", err)
		}
		return v, nil
	default:
		return raw, nil
	}
}
