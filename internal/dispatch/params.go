package dispatch

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Params is the free-form parameter map of an action envelope. Accessors
// coerce the JSON-decoded values (string, float64, bool, []any) into the
// primitive shapes the engine expects; the coercion rules are shared by
// every action.
type Params map[string]any

// Str returns the named parameter as a trimmed string. Numbers are
// stringified; anything else yields "".
func (p Params) Str(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// StrPtr returns nil when the key is absent, else the coerced string.
func (p Params) StrPtr(key string) *string {
	if _, ok := p[key]; !ok {
		return nil
	}
	s := p.Str(key)
	return &s
}

// Int64 coerces numbers and numeric strings; absent or unparseable is 0.
func (p Params) Int64(key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	}
	return 0
}

// Int64Ptr returns nil when the key is absent.
func (p Params) Int64Ptr(key string) *int64 {
	if _, ok := p[key]; !ok {
		return nil
	}
	n := p.Int64(key)
	return &n
}

// Bool coerces bools and the strings "true"/"1"; absent is false.
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	}
	return false
}

// BoolPtr returns nil when the key is absent.
func (p Params) BoolPtr(key string) *bool {
	if _, ok := p[key]; !ok {
		return nil
	}
	b := p.Bool(key)
	return &b
}

// StrSlice coerces []any of strings; a bare string becomes a one-element
// slice.
func (p Params) StrSlice(key string) []string {
	switch v := p[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Has reports presence without coercion.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}
