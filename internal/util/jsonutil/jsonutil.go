package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"reportflow/internal/safeio"
)

// MarshalIndent encodes v with two-space indentation and without escaping <, >, &.
// Reports embed markdown and HTML snippets that must stay readable on disk.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteFile encodes v and atomically replaces path with it.
func WriteFile(path string, v any) error {
	b, err := MarshalIndent(v)
	if err != nil {
		return err
	}
	return safeio.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// ReadFile decodes the JSON document at path into v.
func ReadFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return UnmarshalFlex(b, v)
}

// IsNull reports whether raw is empty or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// UnmarshalFlex unmarshals raw into v, retrying once after normalizing
// double-escaped unicode sequences. Tool outputs occasionally arrive as a JSON
// document wrapped in a JSON string.
func UnmarshalFlex(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	norm, err := normalizeJSONUnicode(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(norm, v)
}

func normalizeJSONUnicode(raw []byte) ([]byte, error) {
	var anyVal any
	if err := json.Unmarshal(raw, &anyVal); err != nil {
		return nil, err
	}
	if s, ok := anyVal.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, errors.New("jsonutil: cannot parse JSON payload")
		}
		anyVal = inner
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(deepUnescape(anyVal)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func deepUnescape(v any) any {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, `\u`) {
			return x
		}
		esc := strings.ReplaceAll(x, `"`, `\"`)
		var out string
		if err := json.Unmarshal([]byte(`"`+esc+`"`), &out); err == nil {
			return out
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepUnescape(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = deepUnescape(vv)
		}
		return out
	default:
		return v
	}
}
