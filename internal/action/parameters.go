package action

import (
	"fmt"
	"strconv"
)

// Parameters holds one job stanza as decoded from YAML.
type Parameters map[string]any

func (p Parameters) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Parameters) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func (p Parameters) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

func (p Parameters) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, ok := toInt(v)
	if !ok {
		return def
	}
	return n
}

func (p Parameters) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (p Parameters) Map(key string) Parameters {
	m, _ := toParameters(p[key])
	return m
}

func (p Parameters) List(key string) []any {
	l, _ := p[key].([]any)
	return l
}

func (p Parameters) Strings(key string) []string {
	switch v := p[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Namespace returns the namespace the stanza targets.
func (p Parameters) Namespace() string {
	return p.StringOr("namespace", DefaultNamespace)
}

// Copy returns a deep copy so actions never share mutable stanza state.
func (p Parameters) Copy() Parameters {
	if p == nil {
		return Parameters{}
	}
	return deepCopy(map[string]any(p)).(map[string]any)
}

// With returns a copy of p with the given key set.
func (p Parameters) With(key string, value any) Parameters {
	c := p.Copy()
	c[key] = value
	return c
}

// Without returns a copy of p without the given keys.
func (p Parameters) Without(keys ...string) Parameters {
	c := p.Copy()
	for _, k := range keys {
		delete(c, k)
	}
	return c
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			m[k] = deepCopy(item)
		}
		return m
	case Parameters:
		return Parameters(deepCopy(map[string]any(t)).(map[string]any))
	case []any:
		l := make([]any, len(t))
		for i, item := range t {
			l[i] = deepCopy(item)
		}
		return l
	default:
		return v
	}
}

func toParameters(v any) (Parameters, bool) {
	switch m := v.(type) {
	case Parameters:
		return m, true
	case map[string]any:
		return Parameters(m), true
	case map[any]any:
		out := make(Parameters, len(m))
		for k, item := range m {
			out[fmt.Sprint(k)] = item
		}
		return out, true
	}
	return nil, false
}

// ToParameters converts a decoded YAML mapping.
func ToParameters(v any) (Parameters, bool) {
	return toParameters(v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
