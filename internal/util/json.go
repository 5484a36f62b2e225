// Package util holds small helpers shared by the store layer.
package util

import "encoding/json"

// EncodeStrings marshals a string slice for storage in a JSON text column.
// Nil encodes as an empty array.
func EncodeStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeStrings unmarshals a JSON text column into a string slice.
func DecodeStrings(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return []string{}
	}
	return values
}

// EncodeMap marshals a metadata map for storage in a JSON text column.
// Nil encodes as an empty object.
func EncodeMap(m map[string]any) string {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeMap unmarshals a JSON text column into a metadata map.
func DecodeMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
