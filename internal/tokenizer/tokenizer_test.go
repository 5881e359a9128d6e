package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateText(t *testing.T) {
	assert.Equal(t, 0, EstimateText(""))
	assert.Equal(t, 0, EstimateText("   "))
	assert.Equal(t, 1, EstimateText("a"))
	assert.Equal(t, 1, EstimateText("abcd"))
	assert.Equal(t, 2, EstimateText("abcde"))
	assert.Equal(t, 25, EstimateText(strings.Repeat("x", 100)))
}

func TestEstimateText_CountsRunesNotBytes(t *testing.T) {
	// Four multi-byte runes estimate like four ASCII characters
	assert.Equal(t, 1, EstimateText("日本語も"))
}

func TestEstimateMessages(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "abcdabcd"}, // 2 tokens
	}

	// 4 overhead + 1 for "user" + 2 for content
	assert.Equal(t, 7, EstimateMessages(messages))
}

func TestEstimateMessages_MultiPartContent(t *testing.T) {
	messages := []Message{
		{
			Role: "user",
			Content: []any{
				map[string]any{"type": "text", "text": "abcd"},
				map[string]any{"type": "text", "text": "efgh"},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "http://x"}},
			},
		},
	}

	// 4 overhead + 1 for "user" + 1 + 1 for the text blocks; the image block
	// contributes nothing
	assert.Equal(t, 7, EstimateMessages(messages))
}

func TestEstimateMessages_UnknownContentShape(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: 42},
	}

	assert.Equal(t, 5, EstimateMessages(messages))
}

func TestEstimateMessages_Empty(t *testing.T) {
	assert.Equal(t, 0, EstimateMessages(nil))
}
