// Package transform rewrites upstream chat-completion payloads, splitting
// think-marker reasoning segments out of model content into the
// reasoning_content field.
package transform

import "strings"

const (
	openMarker  = "<think>"
	closeMarker = "</think>"
)

// Usage holds token counters reported in-band by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// IsThinkingDefault reports whether the model belongs to a family whose
// output is implicitly reasoning content from stream start until a closing
// marker appears.
func IsThinkingDefault(model string, families []string) bool {
	lowered := strings.ToLower(model)
	for _, family := range families {
		if family != "" && strings.Contains(lowered, strings.ToLower(family)) {
			return true
		}
	}
	return false
}

// splitContent applies the marker rules to one piece of model content.
// inReasoning is the incoming flag state; the returned flag is the state
// after this piece. hasContent distinguishes "empty content" from "content
// field dropped".
func splitContent(text string, inReasoning, thinkingDefault bool) (content, reasoning string, hasContent, nextInReasoning bool) {
	if !inReasoning {
		// Opening markers are honored only for non-thinking-default models.
		if !thinkingDefault {
			if idx := strings.Index(text, openMarker); idx >= 0 {
				before := text[:idx]
				after := text[idx+len(openMarker):]
				if ci := strings.Index(after, closeMarker); ci >= 0 {
					// Complete pair within one piece
					return before + after[ci+len(closeMarker):], after[:ci], true, false
				}
				return before, after, true, true
			}
		}
		return text, "", true, false
	}

	if ci := strings.Index(text, closeMarker); ci >= 0 {
		reasoning = text[:ci]
		rest := text[ci+len(closeMarker):]
		if rest == "" {
			return "", reasoning, false, false
		}
		return rest, reasoning, true, false
	}

	// Still inside the reasoning segment: everything is redirected.
	return "", text, false, true
}
