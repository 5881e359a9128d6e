package relay

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"keyrelay/internal/keypool"
	"keyrelay/internal/security"
	"keyrelay/internal/transform"
)

// streamChunkWriteTimeout is the per-chunk write deadline for streaming
// responses. If the client stops reading for this long, the stream is
// terminated.
const streamChunkWriteTimeout = 60 * time.Second

var streamBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 8192)
		return &buf
	},
}

// streamResponse forwards the upstream SSE stream to the client through the
// incremental transformer, unbuffered as bytes arrive. Frames are never
// reordered; upstream close or error is propagated rather than hanging.
func (r *Relay) streamResponse(
	w http.ResponseWriter,
	req *http.Request,
	resp *http.Response,
	cred *keypool.Credential,
	thinkingDefault bool,
	requestID string,
	start time.Time,
) int {
	if _, ok := w.(http.Flusher); !ok {
		r.logger.Error("Streaming not supported by response writer", "request_id", requestID)
		WriteErrorInternal(w, "streaming not supported")
		return http.StatusInternalServerError
	}
	controller := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	st := transform.NewStream(thinkingDefault)

	buf := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(buf)

	wroteAny := false
	var ttfb time.Duration

	for {
		n, err := resp.Body.Read(*buf)
		if n > 0 {
			if !wroteAny {
				ttfb = time.Since(start)
				r.metrics.RecordStreamTTFB(ttfb)
				w.WriteHeader(resp.StatusCode)
				wroteAny = true
			}
			out := st.Transform((*buf)[:n])
			if writeErr := r.writeStreamChunk(w, controller, out, requestID); writeErr != nil {
				return resp.StatusCode
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			r.logger.Error("Upstream stream read error",
				"request_id", requestID,
				"credential", security.MaskAPIKey(cred.Key),
				"error", err,
			)
			if !wroteAny {
				WriteErrorInternal(w, "upstream stream unavailable: "+err.Error())
				return http.StatusInternalServerError
			}
			// Mid-stream failure: the client sees a truncated stream.
			return resp.StatusCode
		}
	}

	if leftover := st.Flush(); len(leftover) > 0 {
		if !wroteAny {
			w.WriteHeader(resp.StatusCode)
			wroteAny = true
		}
		_ = r.writeStreamChunk(w, controller, leftover, requestID)
	}
	if !wroteAny {
		w.WriteHeader(resp.StatusCode)
	}

	usage := st.Usage()
	r.recordUsage(req, cred, usage, requestID)

	r.logger.Info("Streaming completion finished",
		"request_id", requestID,
		"credential", security.MaskAPIKey(cred.Key),
		"chunks", st.Frames(),
		"ttfb", ttfb,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"duration", time.Since(start),
	)
	return resp.StatusCode
}

// writeStreamChunk writes one transformed chunk and flushes it to the client.
func (r *Relay) writeStreamChunk(w http.ResponseWriter, controller *http.ResponseController, chunk []byte, requestID string) error {
	if len(chunk) == 0 {
		return nil
	}

	// Keep active streams alive, terminate if the client stops reading.
	_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
	if _, err := w.Write(chunk); err != nil {
		if isClientDisconnectError(err) {
			r.logger.Warn("Client disconnected during streaming", "request_id", requestID, "error", err)
		} else {
			r.logger.Error("Failed to write streaming chunk", "request_id", requestID, "error", err)
		}
		return err
	}

	if err := controller.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		r.logger.Error("Failed to flush streaming chunk", "request_id", requestID, "error", err)
		return err
	}
	return nil
}

// isClientDisconnectError reports whether a write error is the client going
// away rather than a relay fault. Only reset, broken-pipe, and
// closed-connection errors qualify; other network faults stay errors.
func isClientDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
