// Package value provides the tagged-union type carried in task parameters
// and device outputs.
//
// Plans and devices exchange loosely typed data (numbers from YAML, strings
// from operators, raw bytes from transports). Value keeps the kind explicit so
// devices convert at their boundary with the typed accessors instead of type
// switches over interface{}.
package value

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which field of a Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindBytes
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	bit  bool
	raw  []byte
	m    Map
	list []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int returns a numeric value holding i.
func Int(i int64) Value { return Number(float64(i)) }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, bit: b} }

// Bytes returns a bytes value holding a copy of b.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: bytes.Clone(b)}
}

// MapOf returns a map value holding a copy of m.
func MapOf(m Map) Value { return Value{kind: KindMap, m: m.Clone()} }

// List returns a list value.
func List(items ...Value) Value {
	out := make([]Value, len(items))
	copy(out, items)
	return Value{kind: KindList, list: out}
}

// Kind reports the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsFloat returns the number held by v.
func (v Value) AsFloat() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsInt returns the number held by v truncated toward zero.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber || math.IsNaN(v.num) || math.IsInf(v.num, 0) {
		return 0, false
	}
	return int64(v.num), true
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) {
	return v.bit, v.kind == KindBool
}

// AsBytes returns the bytes held by v. A string value is accepted when it is
// valid hex, which is how plan files spell payloads.
func (v Value) AsBytes() ([]byte, bool) {
	switch v.kind {
	case KindBytes:
		return bytes.Clone(v.raw), true
	case KindString:
		b, err := ParseHex(v.str)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// AsMap returns a copy of the map held by v.
func (v Value) AsMap() (Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m.Clone(), true
}

// AsList returns a copy of the list held by v.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]Value, len(v.list))
	copy(out, v.list)
	return out, true
}

// Interface converts v back to plain Go values: nil, string, float64, bool,
// []byte, map[string]any or []any.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.bit
	case KindBytes:
		return bytes.Clone(v.raw)
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders v for logs and messages. Bytes render as upper-case hex.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.bit)
	case KindBytes:
		return strings.ToUpper(hex.EncodeToString(v.raw))
	case KindMap:
		keys := v.m.Keys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + v.m[k].String()
		}
		return "{" + strings.Join(parts, " ") + "}"
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprintf("value(%d)", v.kind)
	}
}

// Equal reports deep equality including kind.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindNumber:
		return a.num == b.num
	case KindBool:
		return a.bit == b.bit
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindMap:
		return a.m.Equal(b.m)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// From converts loosely typed data into a Value. Unsupported types are
// rendered with fmt and stored as strings.
func From(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case Map:
		return MapOf(t)
	case []Value:
		return List(t...)
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case []byte:
		return Bytes(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case map[string]any:
		m := make(Map, len(t))
		for k, item := range t {
			m[k] = From(item)
		}
		return Value{kind: KindMap, m: m}
	case map[any]any:
		m := make(Map, len(t))
		for k, item := range t {
			m[fmt.Sprint(k)] = From(item)
		}
		return Value{kind: KindMap, m: m}
	case []any:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = From(item)
		}
		return Value{kind: KindList, list: list}
	case fmt.Stringer:
		return String(t.String())
	default:
		return String(fmt.Sprint(t))
	}
}

// ParseHex decodes a hex payload. Spaces, colons, dashes and an optional 0x
// prefix are ignored, so "01 03 02" and "0x010302" are equivalent.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return b, nil
}

func sortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
