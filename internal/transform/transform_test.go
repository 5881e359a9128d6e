package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsThinkingDefault(t *testing.T) {
	families := []string{"deepseek-reasoner", "deepseek-r1"}

	assert.True(t, IsThinkingDefault("deepseek-reasoner", families))
	assert.True(t, IsThinkingDefault("DeepSeek-R1-Distill-Qwen-32B", families))
	assert.False(t, IsThinkingDefault("gpt-4o", families))
	assert.False(t, IsThinkingDefault("deepseek-chat", families))
	assert.False(t, IsThinkingDefault("deepseek-reasoner", nil))
}

func TestSplitContent_PlainText(t *testing.T) {
	content, reasoning, hasContent, next := splitContent("hello", false, false)

	assert.Equal(t, "hello", content)
	assert.Empty(t, reasoning)
	assert.True(t, hasContent)
	assert.False(t, next)
}

func TestSplitContent_CompletePairInOnePiece(t *testing.T) {
	content, reasoning, hasContent, next := splitContent("<think>A</think>B", false, false)

	assert.Equal(t, "B", content)
	assert.Equal(t, "A", reasoning)
	assert.True(t, hasContent)
	assert.False(t, next)
}

func TestSplitContent_OpenMarkerCarriesState(t *testing.T) {
	content, reasoning, hasContent, next := splitContent("<think>partial", false, false)

	assert.Empty(t, content)
	assert.Equal(t, "partial", reasoning)
	assert.True(t, hasContent)
	assert.True(t, next)

	// The following piece is still reasoning
	content, reasoning, hasContent, next = splitContent(" thought", true, false)
	assert.Empty(t, content)
	assert.Equal(t, " thought", reasoning)
	assert.False(t, hasContent)
	assert.True(t, next)

	// Until the closing marker flips back to content
	content, reasoning, hasContent, next = splitContent(" done</think>answer", true, false)
	assert.Equal(t, "answer", content)
	assert.Equal(t, " done", reasoning)
	assert.True(t, hasContent)
	assert.False(t, next)
}

func TestSplitContent_CloseMarkerWithEmptyRest(t *testing.T) {
	content, reasoning, hasContent, next := splitContent("tail</think>", true, false)

	assert.Empty(t, content)
	assert.Equal(t, "tail", reasoning)
	assert.False(t, hasContent)
	assert.False(t, next)
}

func TestSplitContent_ThinkingDefaultIgnoresOpenMarker(t *testing.T) {
	// For thinking-default models the open marker is plain text inside the
	// reasoning segment; the stream already starts inside one.
	content, reasoning, hasContent, next := splitContent("<think>A", true, true)

	assert.Empty(t, content)
	assert.Equal(t, "<think>A", reasoning)
	assert.False(t, hasContent)
	assert.True(t, next)
}
