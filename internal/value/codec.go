package value

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalJSON encodes v as its natural JSON form. Bytes encode as base64,
// matching encoding/json's treatment of []byte.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON document. A JSON string stays a string even
// when it looks like hex; devices use AsBytes to reinterpret it.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	*v = fromJSON(raw)
	return nil
}

func fromJSON(x any) Value {
	switch t := x.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case map[string]any:
		m := make(Map, len(t))
		for k, item := range t {
			m[k] = fromJSON(item)
		}
		return Value{kind: KindMap, m: m}
	case []any:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = fromJSON(item)
		}
		return Value{kind: KindList, list: list}
	default:
		return From(t)
	}
}

// MarshalYAML implements yaml.Marshaler. Bytes are written as upper-case hex
// strings so payloads stay readable in plan files.
func (v Value) MarshalYAML() (any, error) {
	if v.kind == KindBytes {
		return v.String(), nil
	}
	if v.kind == KindMap {
		return v.m, nil
	}
	if v.kind == KindList {
		return v.list, nil
	}
	return v.Interface(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Binary (!!binary) scalars
// become bytes.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!binary" {
		if s, ok := raw.(string); ok {
			*v = Bytes([]byte(s))
			return nil
		}
	}
	*v = From(raw)
	return nil
}
