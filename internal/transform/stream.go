package transform

import (
	"bytes"
	"encoding/json"
)

var (
	frameSeparator = []byte("\n\n")
	dataPrefix     = []byte("data:")
	doneSentinel   = []byte("[DONE]")
)

// Stream is an incremental transformer over an SSE byte stream. Upstream
// chunk boundaries do not align with frame boundaries, so it buffers the
// trailing incomplete fragment between invocations.
//
// Not safe for concurrent use; each stream gets its own instance.
type Stream struct {
	buf         []byte
	inReasoning bool
	// thinkingDefault model families start every stream already inside a
	// reasoning segment.
	thinkingDefault bool

	usage  Usage
	frames int
}

// NewStream creates a stream transformer for one response.
func NewStream(thinkingDefault bool) *Stream {
	return &Stream{
		inReasoning:     thinkingDefault,
		thinkingDefault: thinkingDefault,
	}
}

// Transform appends chunk to the internal buffer, processes every complete
// frame and returns the rewritten bytes. The trailing incomplete fragment is
// retained for the next invocation.
func (s *Stream) Transform(chunk []byte) []byte {
	s.buf = append(s.buf, chunk...)

	var out []byte
	for {
		idx := bytes.Index(s.buf, frameSeparator)
		if idx < 0 {
			break
		}
		frame := s.buf[:idx]
		s.buf = s.buf[idx+len(frameSeparator):]
		out = append(out, s.processFrame(frame)...)
	}
	return out
}

// Flush emits any still-buffered content verbatim. Call once at stream end.
func (s *Stream) Flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	out := s.buf
	s.buf = nil
	return out
}

// Usage returns the token counters accumulated from in-band usage fields.
func (s *Stream) Usage() Usage {
	return s.usage
}

// Frames returns the number of complete frames processed so far.
func (s *Stream) Frames() int {
	return s.frames
}

// processFrame rewrites one complete frame. Non-data frames, the [DONE]
// sentinel, and frames whose payload fails to parse are forwarded unchanged —
// never dropped.
func (s *Stream) processFrame(frame []byte) []byte {
	s.frames++

	if !bytes.HasPrefix(frame, dataPrefix) {
		return append(append([]byte{}, frame...), frameSeparator...)
	}

	payload := bytes.TrimSpace(frame[len(dataPrefix):])
	if bytes.Equal(payload, doneSentinel) {
		return append(append([]byte{}, frame...), frameSeparator...)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return append(append([]byte{}, frame...), frameSeparator...)
	}

	if u := extractUsage(decoded); !u.IsZero() {
		s.usage = u
	}

	s.rewriteDelta(decoded)

	encoded, err := json.Marshal(decoded)
	if err != nil {
		return append(append([]byte{}, frame...), frameSeparator...)
	}

	out := make([]byte, 0, len(dataPrefix)+1+len(encoded)+len(frameSeparator))
	out = append(out, dataPrefix...)
	out = append(out, ' ')
	out = append(out, encoded...)
	out = append(out, frameSeparator...)
	return out
}

// rewriteDelta applies the marker rules to every delta in the frame.
func (s *Stream) rewriteDelta(decoded map[string]any) {
	choices, ok := decoded["choices"].([]any)
	if !ok {
		return
	}
	for _, rawChoice := range choices {
		choice, ok := rawChoice.(map[string]any)
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]any)
		if !ok {
			continue
		}
		content, ok := delta["content"].(string)
		if !ok {
			continue
		}

		newContent, reasoning, hasContent, next := splitContent(content, s.inReasoning, s.thinkingDefault)
		s.inReasoning = next

		if reasoning != "" {
			delta["reasoning_content"] = reasoning
		}
		if hasContent {
			delta["content"] = newContent
		} else {
			delete(delta, "content")
		}
	}
}
