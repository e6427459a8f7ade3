package validator

import "sync"

// Registry maps a canonical method name to the Schema validating its
// params (spec §4.5: "schemas addressed by canonical method name").
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

func (r *Registry) Register(method string, schema *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[method] = schema
}

// Lookup returns the schema for method, or nil if none was registered
// (spec §4.5: unregistered methods pass through unvalidated).
func (r *Registry) Lookup(method string) *Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schemas[method]
}

func ptrFloat(f float64) *float64 { return &f }
func ptrInt(i int) *int           { return &i }
func ptrBool(b bool) *bool        { return &b }

// DefaultRegistry returns the Schemas for the core SQLite operations
// spec §5 names, as Go struct literals in place of the teacher's
// file-embedded JSON Schema documents.
func DefaultRegistry() *Registry {
	reg := NewRegistry()

	reg.Register("query", &Schema{
		Type:     TypeObject,
		Required: []string{"sql"},
		Properties: map[string]*Schema{
			"sql": {Type: TypeString, MinLength: ptrInt(1), MaxLength: ptrInt(1 << 20)},
			"params": {
				Type:  TypeArray,
				Items: &Schema{},
			},
			"timeoutMs": {Type: TypeNumber, Minimum: ptrFloat(0), Maximum: ptrFloat(300000)},
		},
		AdditionalProperties: ptrBool(false),
	})

	reg.Register("execute", &Schema{
		Type:     TypeObject,
		Required: []string{"sql"},
		Properties: map[string]*Schema{
			"sql":    {Type: TypeString, MinLength: ptrInt(1), MaxLength: ptrInt(1 << 20)},
			"params": {Type: TypeArray, Items: &Schema{}},
		},
		AdditionalProperties: ptrBool(false),
	})

	reg.Register("transaction", &Schema{
		Type:     TypeObject,
		Required: []string{"operations"},
		Properties: map[string]*Schema{
			"operations": {
				Type: TypeArray,
				Items: &Schema{
					Type:     TypeObject,
					Required: []string{"sql"},
					Properties: map[string]*Schema{
						"sql":    {Type: TypeString, MinLength: ptrInt(1)},
						"params": {Type: TypeArray, Items: &Schema{}},
					},
				},
			},
			"isolation": {Type: TypeString, Enum: []interface{}{"deferred", "immediate", "exclusive"}, Default: "deferred"},
		},
		AdditionalProperties: ptrBool(false),
	})

	reg.Register("schema", &Schema{
		Type:                 TypeObject,
		Properties:           map[string]*Schema{"table": {Type: TypeString}},
		AdditionalProperties: ptrBool(false),
	})

	return reg
}
