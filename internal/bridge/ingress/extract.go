package ingress

import "strings"

// ExtractAssistantContent scans messages in reverse for the newest
// assistant-role entry and normalizes its content to plain text. Content may
// be a string, an array of typed parts (text parts concatenated in order), or
// an object with a "text" field. Returns "" when nothing extractable exists.
func ExtractAssistantContent(messages []map[string]any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		role, _ := messages[i]["role"].(string)
		if role != "assistant" {
			continue
		}
		if text := normalizeContent(messages[i]["content"]); text != "" {
			return text
		}
	}
	return ""
}

func normalizeContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := p["type"].(string); t != "text" {
				continue
			}
			if text, ok := p["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return b.String()
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
	}
	return ""
}
