package upstream

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
)

// Document is a raw upstream JSON object with values left undecoded.
type Document map[string]json.RawMessage

// ParseDocument decodes an object body. Any other JSON value yields an error.
func ParseDocument(body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Has reports whether key is present with a non-empty value.
func (d Document) Has(key string) bool {
	raw, ok := d[key]
	return ok && !IsEmptyValue(raw)
}

// String returns a string value, or the literal text of a number.
func (d Document) String(key string) string {
	s, _ := scalarString(d[key])
	return s
}

// Int64 returns an integral value. Quoted numbers are accepted.
func (d Document) Int64(key string) (int64, bool) {
	s, ok := scalarString(d[key])
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

// Float64 returns a numeric value.
func (d Document) Float64(key string) (float64, bool) {
	s, ok := scalarString(d[key])
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// Bool returns a boolean value. The second result is false when the key is absent or not a bool.
func (d Document) Bool(key string) (bool, bool) {
	switch string(bytes.TrimSpace(d[key])) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// Object decodes a nested object.
func (d Document) Object(key string) (Document, bool) {
	raw, ok := d[key]
	if !ok {
		return nil, false
	}
	var nested Document
	if err := json.Unmarshal(raw, &nested); err != nil || nested == nil {
		return nil, false
	}
	return nested, true
}

// Objects decodes a list value, keeping only its object elements.
// The second result is false when the value is not a list.
func (d Document) Objects(key string) ([]Document, bool) {
	raw, ok := d[key]
	if !ok {
		return nil, false
	}
	return objectList(raw)
}

// Len returns the element count of a list value.
func (d Document) Len(key string) (int, bool) {
	raw := d[key]
	if !isList(raw) {
		return 0, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, false
	}
	return len(items), true
}

func isList(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Marshal encodes the document.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func objectList(raw json.RawMessage) ([]Document, bool) {
	if !isList(raw) {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	out := make([]Document, 0, len(items))
	for _, item := range items {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		var doc Document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			continue
		}
		out = append(out, doc)
	}
	return out, true
}

// IsEmptyValue reports whether raw is absent, null, "", 0, false, [] or {}.
func IsEmptyValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", `""`, "false", "[]", "{}":
		return true
	}
	switch trimmed[0] {
	case '[', '{':
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return false
		}
		switch typed := v.(type) {
		case []any:
			return len(typed) == 0
		case map[string]any:
			return len(typed) == 0
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		f, err := strconv.ParseFloat(string(trimmed), 64)
		return err == nil && f == 0
	}
	return false
}

func scalarString(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(trimmed), true
	}
	return "", false
}
