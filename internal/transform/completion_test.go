package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id": "chatcmpl-1",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 34,
			"total_tokens":      46,
		},
	})
	require.NoError(t, err)
	return body
}

func decodeMessage(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	choices := payload["choices"].([]any)
	return choices[0].(map[string]any)["message"].(map[string]any)
}

func TestCompletion_ExtractsMarkerPair(t *testing.T) {
	out, usage := Completion(completionBody(t, "<think>A</think>B"), false)

	message := decodeMessage(t, out)
	assert.Equal(t, "B", message["content"])
	assert.Equal(t, "A", message["reasoning_content"])

	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 34, usage.CompletionTokens)
	assert.Equal(t, 46, usage.TotalTokens)
}

func TestCompletion_StripsSurroundingText(t *testing.T) {
	out, _ := Completion(completionBody(t, "pre<think>A</think>post"), false)

	message := decodeMessage(t, out)
	assert.Equal(t, "prepost", message["content"])
	assert.Equal(t, "A", message["reasoning_content"])
}

func TestCompletion_NoMarkersLeavesBodyUntouched(t *testing.T) {
	in := completionBody(t, "plain answer")
	out, _ := Completion(in, false)

	assert.Equal(t, in, out)
	message := decodeMessage(t, out)
	_, hasReasoning := message["reasoning_content"]
	assert.False(t, hasReasoning)
}

func TestCompletion_IncompletePairLeftUnmodified(t *testing.T) {
	in := completionBody(t, "<think>never closed")
	out, _ := Completion(in, false)

	message := decodeMessage(t, out)
	assert.Equal(t, "<think>never closed", message["content"])
	_, hasReasoning := message["reasoning_content"]
	assert.False(t, hasReasoning)
}

func TestCompletion_ThinkingDefaultSplitsOnCloseMarker(t *testing.T) {
	out, _ := Completion(completionBody(t, "A</think>B"), true)

	message := decodeMessage(t, out)
	assert.Equal(t, "B", message["content"])
	assert.Equal(t, "A", message["reasoning_content"])
}

func TestCompletion_ThinkingDefaultWithoutCloseMarker(t *testing.T) {
	out, _ := Completion(completionBody(t, "all reasoning"), true)

	message := decodeMessage(t, out)
	assert.Equal(t, "", message["content"])
	assert.Equal(t, "all reasoning", message["reasoning_content"])
}

func TestCompletion_UnparseableBodyPassesThrough(t *testing.T) {
	in := []byte("not json at all")
	out, usage := Completion(in, false)

	assert.Equal(t, in, out)
	assert.True(t, usage.IsZero())
}

func TestCompletion_MissingUsage(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": "hi"}},
		},
	})
	require.NoError(t, err)

	_, usage := Completion(body, false)
	assert.True(t, usage.IsZero())
}
