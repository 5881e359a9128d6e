// Package tokenizer estimates token counts for chat-completion requests.
//
// The estimate is a heuristic (roughly four characters per token) rather
// than a model tokenizer; it exists to reject oversized requests before they
// consume a credential, not to bill precisely.
package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// perMessageOverhead approximates the framing tokens each chat message adds
// (role, separators) on top of its content.
const perMessageOverhead = 4

// Message is the subset of a chat message relevant to token estimation.
// Content is either a plain string or a multi-part array of content blocks.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// EstimateMessages returns the estimated token count for a chat message list.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += EstimateText(msg.Role)
		total += estimateContent(msg.Content)
	}
	return total
}

// estimateContent handles both string content and multi-part content blocks
// of the form [{"type":"text","text":"..."}, ...].
func estimateContent(content any) int {
	switch c := content.(type) {
	case string:
		return EstimateText(c)
	case []any:
		total := 0
		for _, part := range c {
			block, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				total += EstimateText(text)
			}
		}
		return total
	}
	return 0
}

// EstimateText estimates tokens in a plain string: one token per four runes,
// rounded up.
func EstimateText(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}
