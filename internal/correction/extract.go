package correction

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoText is returned when a response holds no text anywhere.
var ErrNoText = errors.New("correction: no text in response")

// textKeys are tried in order on every object.
var textKeys = []string{
	"corrected_text", "text", "content", "output_text", "response", "result",
	"choices", "message", "delta", "output", "candidates", "parts",
}

const maxExtractDepth = 32

// ExtractText finds the completion text in a decoded vendor response. It
// accepts the shapes of OpenAI-style chat, responses-style output arrays
// and candidate/parts documents. A string that is itself a JSON object is
// searched as well.
func ExtractText(body any) (string, error) {
	switch b := body.(type) {
	case []byte:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return "", ErrNoText
		}
		body = v
	case json.RawMessage:
		return ExtractText([]byte(b))
	}
	if s, ok := extract(body, 0); ok {
		return s, nil
	}
	return "", ErrNoText
}

func extract(v any, depth int) (string, bool) {
	if depth > maxExtractDepth {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return extractString(t, depth)
	case map[string]any:
		for _, k := range textKeys {
			if child, ok := t[k]; ok {
				if s, ok := extract(child, depth+1); ok {
					return s, true
				}
			}
		}
		return "", false
	case []any:
		var parts []string
		for _, item := range t {
			if s, ok := extract(item, depth+1); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ""), true
	default:
		return "", false
	}
}

func extractString(s string, depth int) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if json.Unmarshal([]byte(trimmed), &obj) == nil {
			if inner, ok := extract(obj, depth+1); ok {
				return inner, true
			}
		}
	}
	return trimmed, true
}
