package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
)

// GenerateJSON asks p for a JSON object. Provider failures are returned;
// malformed output yields an empty map and no error.
func GenerateJSON(ctx context.Context, p Provider, prompt string, temperature float64) (map[string]interface{}, error) {
	text, err := p.GenerateText(ctx, prompt, temperature)
	if err != nil {
		return nil, err
	}
	return ParseJSONObject(text), nil
}

// ParseJSONObject extracts the object between the first "{" and the last
// "}" (falling back to stripping a ```json fence) and decodes it.
func ParseJSONObject(text string) map[string]interface{} {
	body := strings.TrimSpace(text)
	first := strings.Index(body, "{")
	last := strings.LastIndex(body, "}")
	if first >= 0 && last > first {
		body = body[first : last+1]
	} else {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimSuffix(body, "```")
	}
	body = strings.TrimSpace(body)

	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		logger.WarnCF("providers", "Discarding malformed JSON output", map[string]interface{}{
			"error":  err.Error(),
			"length": len(text),
		})
		return map[string]interface{}{}
	}
	return out
}

// String reads a string field, ignoring other types.
func String(obj map[string]interface{}, key string) string {
	if v, ok := obj[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Number reads a numeric field, accepting numeric strings.
func Number(obj map[string]interface{}, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		var f float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Bool reads a boolean field, accepting "true"/"false" strings.
func Bool(obj map[string]interface{}, key string) (bool, bool) {
	switch v := obj[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// Strings reads a list of non-empty strings.
func Strings(obj map[string]interface{}, key string) ([]string, bool) {
	raw, ok := obj[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out, true
}
