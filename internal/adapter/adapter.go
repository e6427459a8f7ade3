// Package adapter translates between the host-facing method/param
// shape the service facade exposes and the canonical wire shape the
// worker protocol expects (spec §4.8): method name mapping with
// strict-mode MethodNotFound, recursive camelCase<->snake_case key
// transforms, and a response shaper per method. The method-name-as-
// stable-enum pattern is grounded on the teacher's transport.OperationType
// (internal/transport/types.go); the request/error normalization shape
// on transport.MapError (internal/transport/error_mapping.go).
package adapter

import (
	"strings"
	"unicode"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
)

// MethodMap maps a host-facing method name to the canonical wire
// method name a worker understands.
type MethodMap map[string]string

// ResultShaper reshapes a worker's result payload into the host-facing
// response shape for one method. Methods without a shaper pass the
// result through unchanged.
type ResultShaper func(data interface{}) interface{}

// Adapter holds the method map and per-method result shapers. Strict
// mode controls whether an unmapped method is rejected or passed
// through verbatim (spec §4.8).
type Adapter struct {
	methods MethodMap
	shapers map[string]ResultShaper
	strict  bool
}

func New(methods MethodMap, strict bool) *Adapter {
	if methods == nil {
		methods = MethodMap{}
	}
	return &Adapter{methods: methods, shapers: make(map[string]ResultShaper), strict: strict}
}

func (a *Adapter) RegisterShaper(hostMethod string, shaper ResultShaper) {
	a.shapers[hostMethod] = shaper
}

// AdaptMethod resolves a host-facing method name to its wire name.
func (a *Adapter) AdaptMethod(hostMethod string) (string, error) {
	if wire, ok := a.methods[hostMethod]; ok {
		return wire, nil
	}
	if a.strict {
		return "", bridgeerr.MethodNotFound(hostMethod)
	}
	return hostMethod, nil
}

// AdaptRequest maps the method and converts params from the host's
// camelCase convention to the wire's snake_case convention.
func (a *Adapter) AdaptRequest(hostMethod string, params map[string]interface{}) (string, map[string]interface{}, error) {
	wireMethod, err := a.AdaptMethod(hostMethod)
	if err != nil {
		return "", nil, err
	}
	wireParams, _ := TransformKeys(params, ToSnakeCase).(map[string]interface{})
	return wireMethod, wireParams, nil
}

// AdaptResponse converts a worker's result data back to camelCase and
// applies the method's registered shaper, if any.
func (a *Adapter) AdaptResponse(hostMethod string, result *protocol.ResultEnvelope) interface{} {
	if result == nil {
		return nil
	}
	data := TransformKeys(result.Data, ToCamelCase)
	if shaper, ok := a.shapers[hostMethod]; ok {
		return shaper(data)
	}
	return data
}

// TransformKeys recursively rewrites every map key in value using fn,
// descending into nested maps and slices; non-map/slice values pass
// through unchanged.
func TransformKeys(value interface{}, fn func(string) string) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fn(k)] = TransformKeys(val, fn)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = TransformKeys(item, fn)
		}
		return out
	default:
		return value
	}
}

// ToSnakeCase converts "fooBarBaz" to "foo_bar_baz". Already-snake_case
// or already-lowercase input passes through unchanged.
func ToSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamelCase converts "foo_bar_baz" to "fooBarBaz". Input with no
// underscores passes through unchanged.
func ToCamelCase(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 {
			b.WriteString(part)
			continue
		}
		r := []rune(part)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}
