package transform

import (
	"encoding/json"
	"strings"
)

// Completion rewrites a non-streaming chat-completion body.
//
// Thinking-default models: text before a closing marker becomes
// reasoning_content and text after becomes content; without a closing marker
// the entire content becomes reasoning and content is emptied. Other models:
// one complete marker pair is extracted and stripped; content without a
// complete pair is left unmodified.
//
// The input is never mutated; a freshly constructed body is returned. Bodies
// that fail to parse are returned unchanged.
func Completion(body []byte, thinkingDefault bool) ([]byte, Usage) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body, Usage{}
	}

	usage := extractUsage(payload)

	choices, ok := payload["choices"].([]any)
	if !ok {
		return body, usage
	}

	changed := false
	for _, rawChoice := range choices {
		choice, ok := rawChoice.(map[string]any)
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		content, ok := message["content"].(string)
		if !ok {
			continue
		}

		newContent, reasoning, modified := extractCompletionReasoning(content, thinkingDefault)
		if !modified {
			continue
		}
		message["content"] = newContent
		if reasoning != "" {
			message["reasoning_content"] = reasoning
		}
		changed = true
	}

	if !changed {
		return body, usage
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return body, usage
	}
	return out, usage
}

func extractCompletionReasoning(content string, thinkingDefault bool) (newContent, reasoning string, modified bool) {
	if thinkingDefault {
		if idx := strings.Index(content, closeMarker); idx >= 0 {
			return content[idx+len(closeMarker):], content[:idx], true
		}
		return "", content, true
	}

	openIdx := strings.Index(content, openMarker)
	if openIdx < 0 {
		return content, "", false
	}
	rest := content[openIdx+len(openMarker):]
	closeIdx := strings.Index(rest, closeMarker)
	if closeIdx < 0 {
		// No complete pair: leave content unmodified
		return content, "", false
	}
	return content[:openIdx] + rest[closeIdx+len(closeMarker):], rest[:closeIdx], true
}

// extractUsage reads in-band token counters from a decoded payload.
func extractUsage(payload map[string]any) Usage {
	rawUsage, ok := payload["usage"].(map[string]any)
	if !ok {
		return Usage{}
	}
	return Usage{
		PromptTokens:     intField(rawUsage, "prompt_tokens"),
		CompletionTokens: intField(rawUsage, "completion_tokens"),
		TotalTokens:      intField(rawUsage, "total_tokens"),
	}
}

func intField(m map[string]any, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}
