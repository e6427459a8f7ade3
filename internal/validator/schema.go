// Package validator implements the JSON-Schema subset spec §4.5
// requires for request parameter validation: type, required,
// properties, items, enum, minimum/maximum, minLength/maxLength, plus
// coerce/removeAdditional/defaults options and __proto__-stripping
// sanitization. Grounded on the teacher's internal/validation package
// (schema_validator.go's recursive validateValue/validateObject/
// validateArray walk), adapted from file-embedded JSON Schema documents
// to Go struct literals since no schema assets survived retrieval.
package validator

import (
	"fmt"
	"strings"
)

// Type names this subset recognizes.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Schema is a single JSON-Schema-subset node, built as a Go struct
// literal and registered by method name (spec §4.5: "schemas addressed
// by canonical method name").
type Schema struct {
	Type                 string
	Required             []string
	Properties           map[string]*Schema
	Items                *Schema
	Enum                 []interface{}
	Minimum              *float64
	Maximum              *float64
	MinLength            *int
	MaxLength            *int
	Default              interface{}
	AdditionalProperties *bool // nil = passthrough unknown props; &false = reject; &true = allow
}

// Violation is one validation failure, in the teacher's path+message
// shape (schema_validator.go's ValidationReport entries).
type Violation struct {
	Path    string
	Message string
}

// Options mirrors spec §4.5's coerce/removeAdditional/defaults flags.
type Options struct {
	Coerce           bool // numeric strings -> numbers, etc.
	RemoveAdditional bool // drop properties not named in the schema
	ApplyDefaults    bool // fill Schema.Default for missing optional fields
}

// Result carries the (possibly mutated, when Coerce/RemoveAdditional/
// ApplyDefaults are set) value alongside any violations found.
type Result struct {
	Value      interface{}
	Violations []Violation
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Validate walks value against schema, applying opts, and returns the
// (possibly transformed) value plus any violations.
func Validate(value interface{}, schema *Schema, opts Options) Result {
	r := Result{}
	r.Value = validateValue(value, schema, "", opts, &r.Violations)
	return r
}

func validateValue(value interface{}, schema *Schema, path string, opts Options, violations *[]Violation) interface{} {
	if schema == nil {
		return value
	}

	if value == nil {
		if schema.Default != nil && opts.ApplyDefaults {
			return schema.Default
		}
		return value
	}

	if opts.Coerce {
		value = coerce(value, schema.Type)
	}

	if schema.Type != "" && !matchesType(value, schema.Type) {
		addViolation(violations, path, fmt.Sprintf("expected type %s, got %s", schema.Type, jsonType(value)))
		return value
	}

	switch v := value.(type) {
	case map[string]interface{}:
		return validateObject(v, schema, path, opts, violations)
	case []interface{}:
		return validateArray(v, schema, path, opts, violations)
	case string:
		validateString(v, schema, path, violations)
	case float64:
		validateNumber(v, schema, path, violations)
	}

	if len(schema.Enum) > 0 {
		found := false
		for _, e := range schema.Enum {
			if value == e {
				found = true
				break
			}
		}
		if !found {
			addViolation(violations, path, fmt.Sprintf("value %v is not one of the allowed values", value))
		}
	}

	return value
}

func validateObject(data map[string]interface{}, schema *Schema, path string, opts Options, violations *[]Violation) map[string]interface{} {
	for _, name := range schema.Required {
		if _, ok := data[name]; !ok {
			addViolation(violations, joinPath(path, name), "required field is missing")
		}
	}

	out := make(map[string]interface{}, len(data))
	for field, val := range data {
		fieldPath := joinPath(path, field)
		propSchema, known := schema.Properties[field]
		if !known {
			if opts.RemoveAdditional {
				continue
			}
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				addViolation(violations, fieldPath, fmt.Sprintf("additional property %q is not allowed", field))
				continue
			}
			out[field] = val
			continue
		}
		out[field] = validateValue(val, propSchema, fieldPath, opts, violations)
	}

	if opts.ApplyDefaults {
		for name, propSchema := range schema.Properties {
			if _, present := out[name]; !present && propSchema != nil && propSchema.Default != nil {
				out[name] = propSchema.Default
			}
		}
	}

	return out
}

func validateArray(arr []interface{}, schema *Schema, path string, opts Options, violations *[]Violation) []interface{} {
	if schema.Items == nil {
		return arr
	}
	out := make([]interface{}, len(arr))
	for i, item := range arr {
		itemPath := fmt.Sprintf("%s/%d", path, i)
		out[i] = validateValue(item, schema.Items, itemPath, opts, violations)
	}
	return out
}

func validateString(val string, schema *Schema, path string, violations *[]Violation) {
	if schema.MinLength != nil && len(val) < *schema.MinLength {
		addViolation(violations, path, fmt.Sprintf("string length %d is less than minimum %d", len(val), *schema.MinLength))
	}
	if schema.MaxLength != nil && len(val) > *schema.MaxLength {
		addViolation(violations, path, fmt.Sprintf("string length %d exceeds maximum %d", len(val), *schema.MaxLength))
	}
}

func validateNumber(val float64, schema *Schema, path string, violations *[]Violation) {
	if schema.Minimum != nil && val < *schema.Minimum {
		addViolation(violations, path, fmt.Sprintf("value %v is less than minimum %v", val, *schema.Minimum))
	}
	if schema.Maximum != nil && val > *schema.Maximum {
		addViolation(violations, path, fmt.Sprintf("value %v exceeds maximum %v", val, *schema.Maximum))
	}
}

func matchesType(value interface{}, t string) bool {
	actual := jsonType(value)
	if actual == t {
		return true
	}
	if t == TypeInteger && actual == TypeNumber {
		if n, ok := value.(float64); ok {
			return n == float64(int64(n))
		}
	}
	return false
}

func jsonType(value interface{}) string {
	switch value.(type) {
	case string:
		return TypeString
	case float64, int, int64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case map[string]interface{}:
		return TypeObject
	case []interface{}:
		return TypeArray
	default:
		return "unknown"
	}
}

// coerce applies the Options.Coerce numeric/boolean string conversions
// spec §4.5 allows before type checking.
func coerce(value interface{}, target string) interface{} {
	s, isString := value.(string)
	if !isString {
		return value
	}
	switch target {
	case TypeNumber, TypeInteger:
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f
		}
	case TypeBoolean:
		switch s {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return value
}

func addViolation(violations *[]Violation, path, message string) {
	*violations = append(*violations, Violation{Path: path, Message: message})
}

func joinPath(base, field string) string {
	if base == "" {
		return "/" + field
	}
	return base + "/" + field
}

// dangerousKeys are stripped recursively by Sanitize to block
// prototype-pollution-style payloads crossing the JSON-RPC boundary
// (spec §4.5 supplemented feature).
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Sanitize recursively strips dangerous keys from maps and descends
// into arrays, returning a new value safe to pass downstream.
func Sanitize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if dangerousKeys[strings.ToLower(k)] {
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return value
	}
}
