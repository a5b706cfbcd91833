package value

import (
	"strconv"
	"strings"
	"time"
)

// Map is a string-keyed bag of values, used for task parameters and device
// outputs. The getters never fail; they fall back to def when the key is
// absent or cannot be converted.
type Map map[string]Value

// FromMap converts a plain map.
func FromMap(m map[string]any) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = From(v)
	}
	return out
}

// Get returns the value under key.
func (m Map) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

// String returns key as a string. Non-string values use their String form.
func (m Map) String(key, def string) string {
	v, ok := m[key]
	if !ok || v.IsNull() {
		return def
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}

// Float returns key as a float64. Numeric strings are parsed.
func (m Map) Float(key string, def float64) float64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	if f, ok := v.AsFloat(); ok {
		return f
	}
	if s, ok := v.AsString(); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns key as an int. Numeric strings are parsed.
func (m Map) Int(key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	if i, ok := v.AsInt(); ok {
		return int(i)
	}
	if s, ok := v.AsString(); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i
		}
	}
	return def
}

// Bool returns key as a bool. Strings accepted by strconv.ParseBool are parsed.
func (m Map) Bool(key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	if s, ok := v.AsString(); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
	}
	return def
}

// Duration returns key as a duration. Numbers are milliseconds; strings use
// time.ParseDuration syntax ("250ms", "2s").
func (m Map) Duration(key string, def time.Duration) time.Duration {
	v, ok := m[key]
	if !ok {
		return def
	}
	if f, ok := v.AsFloat(); ok {
		return time.Duration(f * float64(time.Millisecond))
	}
	if s, ok := v.AsString(); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d
		}
	}
	return def
}

// Bytes returns key as bytes; hex strings are decoded.
func (m Map) Bytes(key string) ([]byte, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	return v.AsBytes()
}

// Keys returns the keys in sorted order.
func (m Map) Keys() []string {
	return sortedKeys(m)
}

// Clone returns a deep copy. Cloning nil returns nil.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

// Equal reports whether m and other hold the same keys and equal values.
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		w, ok := other[k]
		if !ok || !Equal(v, w) {
			return false
		}
	}
	return true
}

// Interface converts m to map[string]any.
func (m Map) Interface() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Interface()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindBytes:
		return Bytes(v.raw)
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	case KindList:
		list := make([]Value, len(v.list))
		for i, item := range v.list {
			list[i] = item.clone()
		}
		return Value{kind: KindList, list: list}
	default:
		return v
	}
}
