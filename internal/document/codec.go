package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeJSON decodes a JSON object into a Doc. Integral numbers decode as
// int64 and the rest as float64, so documents survive a round trip through a
// JSON-backed store without integers turning into floats.
func DecodeJSON(data []byte) (Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decode document: not an object")
	}
	return Doc(convertNumbers(m).(map[string]any)), nil
}

// DecodeJSONValue decodes any JSON value with the same number handling as DecodeJSON.
func DecodeJSONValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return convertNumbers(v), nil
}

func convertNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = convertNumbers(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = convertNumbers(inner)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
