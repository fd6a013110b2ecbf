// Package jsonutil holds the best-effort JSON decoding used wherever a
// vendor field may be either a JSON document encoded as a string or plain text.
package jsonutil

import (
	"encoding/json"
	"strings"
)

// TryParse decodes value when it is a string that looks like a JSON object
// or array. Any other value, and any string that fails to decode, is
// returned as fallback.
func TryParse(value any, fallback any) any {
	s, ok := value.(string)
	if !ok {
		if value == nil {
			return fallback
		}
		return value
	}
	if !LooksLikeJSON(s) {
		return fallback
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return fallback
	}
	return out
}

// TryParseString is TryParse with the original string as fallback.
func TryParseString(s string) any {
	return TryParse(s, s)
}

// TryParseRaw decodes a raw field. A JSON string holding JSON is decoded a
// second level, so `"{\"a\":1}"` yields map[a:1]. Undecodable input is
// returned as its text.
func TryParseRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	if s, ok := out.(string); ok {
		return TryParseString(s)
	}
	return out
}

// LooksLikeJSON reports whether s, trimmed, starts and ends like an object or array.
func LooksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return false
	}
	return (s[0] == '{' && s[len(s)-1] == '}') || (s[0] == '[' && s[len(s)-1] == ']')
}
