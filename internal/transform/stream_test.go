package transform

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseFrame(t *testing.T, content string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id": "chatcmpl-1",
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{"content": content}},
		},
	})
	require.NoError(t, err)
	return "data: " + string(payload) + "\n\n"
}

// collectDeltas feeds the whole stream and decodes every emitted data frame's
// first delta.
func collectDeltas(t *testing.T, out []byte) []map[string]any {
	t.Helper()
	var deltas []map[string]any
	for _, frame := range strings.Split(string(out), "\n\n") {
		if frame == "" || !strings.HasPrefix(frame, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(frame, "data:"))
		if payload == "[DONE]" {
			continue
		}
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
		choices := decoded["choices"].([]any)
		delta := choices[0].(map[string]any)["delta"].(map[string]any)
		deltas = append(deltas, delta)
	}
	return deltas
}

func TestStream_PlainContentPassesThrough(t *testing.T) {
	st := NewStream(false)

	out := st.Transform([]byte(sseFrame(t, "hello")))
	deltas := collectDeltas(t, out)

	require.Len(t, deltas, 1)
	assert.Equal(t, "hello", deltas[0]["content"])
	_, hasReasoning := deltas[0]["reasoning_content"]
	assert.False(t, hasReasoning)
}

func TestStream_MarkerPairAcrossFrames(t *testing.T) {
	st := NewStream(false)

	var out []byte
	out = append(out, st.Transform([]byte(sseFrame(t, "<think>step one")))...)
	out = append(out, st.Transform([]byte(sseFrame(t, " step two")))...)
	out = append(out, st.Transform([]byte(sseFrame(t, "</think>the answer")))...)

	deltas := collectDeltas(t, out)
	require.Len(t, deltas, 3)

	assert.Equal(t, "", deltas[0]["content"])
	assert.Equal(t, "step one", deltas[0]["reasoning_content"])

	_, hasContent := deltas[1]["content"]
	assert.False(t, hasContent)
	assert.Equal(t, " step two", deltas[1]["reasoning_content"])

	assert.Equal(t, "the answer", deltas[2]["content"])
	_, hasReasoning := deltas[2]["reasoning_content"]
	assert.False(t, hasReasoning)
}

func TestStream_ThinkingDefaultStartsInReasoning(t *testing.T) {
	st := NewStream(true)

	var out []byte
	out = append(out, st.Transform([]byte(sseFrame(t, "implicit reasoning")))...)
	out = append(out, st.Transform([]byte(sseFrame(t, "</think>visible")))...)

	deltas := collectDeltas(t, out)
	require.Len(t, deltas, 2)

	_, hasContent := deltas[0]["content"]
	assert.False(t, hasContent)
	assert.Equal(t, "implicit reasoning", deltas[0]["reasoning_content"])

	assert.Equal(t, "visible", deltas[1]["content"])
}

func TestStream_ChunkBoundariesDoNotAffectOutput(t *testing.T) {
	full := sseFrame(t, "<think>abc</think>def") + sseFrame(t, "ghi") + "data: [DONE]\n\n"

	whole := NewStream(false)
	wholeOut := append(whole.Transform([]byte(full)), whole.Flush()...)

	// Re-feed the same bytes one byte at a time
	split := NewStream(false)
	var splitOut []byte
	for i := 0; i < len(full); i++ {
		splitOut = append(splitOut, split.Transform([]byte{full[i]})...)
	}
	splitOut = append(splitOut, split.Flush()...)

	assert.Equal(t, wholeOut, splitOut)
}

func TestStream_DoneSentinelForwardedVerbatim(t *testing.T) {
	st := NewStream(false)

	out := st.Transform([]byte("data: [DONE]\n\n"))
	assert.Equal(t, "data: [DONE]\n\n", string(out))
}

func TestStream_NonDataFrameForwardedVerbatim(t *testing.T) {
	st := NewStream(false)

	out := st.Transform([]byte(": keep-alive comment\n\n"))
	assert.Equal(t, ": keep-alive comment\n\n", string(out))
}

func TestStream_UnparseablePayloadForwardedVerbatim(t *testing.T) {
	st := NewStream(false)

	out := st.Transform([]byte("data: {broken json\n\n"))
	assert.Equal(t, "data: {broken json\n\n", string(out))
}

func TestStream_IncompleteFrameHeldUntilComplete(t *testing.T) {
	st := NewStream(false)

	out := st.Transform([]byte("data: {\"choices\""))
	assert.Empty(t, out)

	out = st.Transform([]byte(":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
	deltas := collectDeltas(t, out)
	require.Len(t, deltas, 1)
	assert.Equal(t, "hi", deltas[0]["content"])
}

func TestStream_FlushEmitsLeftoverVerbatim(t *testing.T) {
	st := NewStream(false)

	out := st.Transform([]byte("data: {\"truncated\""))
	assert.Empty(t, out)
	assert.Equal(t, "data: {\"truncated\"", string(st.Flush()))
	assert.Nil(t, st.Flush())
}

func TestStream_UsageTakenFromLastNonZeroFrame(t *testing.T) {
	st := NewStream(false)

	withUsage, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{}}},
		"usage": map[string]any{
			"prompt_tokens":     7,
			"completion_tokens": 11,
			"total_tokens":      18,
		},
	})
	require.NoError(t, err)

	st.Transform([]byte(sseFrame(t, "hello")))
	st.Transform([]byte("data: " + string(withUsage) + "\n\n"))
	st.Transform([]byte(sseFrame(t, "world")))

	usage := st.Usage()
	assert.Equal(t, 7, usage.PromptTokens)
	assert.Equal(t, 11, usage.CompletionTokens)
	assert.Equal(t, 18, usage.TotalTokens)
}

func TestStream_FrameCount(t *testing.T) {
	st := NewStream(false)

	st.Transform([]byte(sseFrame(t, "a") + sseFrame(t, "b") + "data: [DONE]\n\n"))
	assert.Equal(t, 3, st.Frames())
}
