// Package relay implements the chat-completion relay pipeline:
// Validate -> AcquireCredential -> Dispatch(+Retry) -> Transform -> Respond.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"keyrelay/internal/keypool"
	"keyrelay/internal/monitoring"
	"keyrelay/internal/security"
	"keyrelay/internal/tokenizer"
	"keyrelay/internal/transform"
)

const (
	// tokenCeiling is the fixed request-size limit in estimated tokens.
	tokenCeiling = 128000
	// maxRetries bounds failover beyond the original attempt.
	maxRetries = 3

	maxErrorBodyBytes = 1 << 20
	endpointLabel     = "/chat/completions"
)

// budgetExhaustedMarkers identify a 402 payload reporting credential budget
// depletion, the sole failover trigger.
var budgetExhaustedMarkers = [][]byte{
	[]byte("insufficient balance"),
	[]byte("insufficient_quota"),
	[]byte("quota exhausted"),
	[]byte("exceeded your current quota"),
}

// Relay is the per-process completion relay. Construct once and pass into
// request handlers explicitly.
type Relay struct {
	pool           *keypool.Manager
	logger         *slog.Logger
	metrics        *monitoring.Metrics
	client         *http.Client
	upstreamURL    string
	thinkingModels []string
	errorRules     *ErrorTransformer
	maxBodyBytes   int64
}

func New(
	pool *keypool.Manager,
	logger *slog.Logger,
	metrics *monitoring.Metrics,
	client *http.Client,
	upstreamURL string,
	thinkingModels []string,
	maxBodySizeMB int,
) *Relay {
	return &Relay{
		pool:           pool,
		logger:         logger,
		metrics:        metrics,
		client:         client,
		upstreamURL:    strings.TrimSuffix(upstreamURL, "/"),
		thinkingModels: thinkingModels,
		errorRules:     DefaultErrorTransformer(),
		maxBodyBytes:   int64(maxBodySizeMB) * 1024 * 1024,
	}
}

// chatRequest is the subset of the client body the relay inspects. The raw
// body is forwarded upstream unchanged.
type chatRequest struct {
	Messages []tokenizer.Message `json:"messages"`
	Model    string              `json:"model"`
	Stream   bool                `json:"stream"`
}

// ChatCompletions handles POST /chat/completions.
func (r *Relay) ChatCompletions(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	statusCode := http.StatusOK

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Unexpected panic in relay",
				"request_id", requestID,
				"panic", rec,
			)
			// Error text is returned to the client verbatim.
			WriteErrorInternal(w, fmt.Sprintf("%v", rec))
			statusCode = http.StatusInternalServerError
		}
		r.metrics.RecordRequest(endpointLabel, statusCode, time.Since(start))
	}()

	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxBodyBytes+1))
	if err != nil {
		statusCode = http.StatusBadRequest
		WriteErrorBadRequest(w, "failed to read request body")
		return
	}
	if int64(len(body)) > r.maxBodyBytes {
		statusCode = http.StatusRequestEntityTooLarge
		WriteJSONError(w, statusCode, "request body too large")
		return
	}

	var chatReq chatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		statusCode = http.StatusBadRequest
		WriteErrorBadRequest(w, "invalid JSON body")
		return
	}

	estimated := tokenizer.EstimateMessages(chatReq.Messages)
	if msg, ok := r.validate(&chatReq, estimated); !ok {
		r.logger.Info("Request rejected by validation",
			"request_id", requestID,
			"model", chatReq.Model,
			"reason", msg,
		)
		statusCode = http.StatusBadRequest
		WriteErrorBadRequest(w, msg)
		return
	}

	r.logger.Info("Chat completion request",
		"request_id", requestID,
		"model", chatReq.Model,
		"stream", chatReq.Stream,
		"messages", len(chatReq.Messages),
		"estimated_tokens", estimated,
	)

	statusCode = r.dispatchWithRetry(w, req, &chatReq, body, requestID, start)
}

// validate applies the request-shape and size checks against a token estimate
// the caller computed once. Returns a client-facing message on rejection.
func (r *Relay) validate(chatReq *chatRequest, estimated int) (string, bool) {
	if len(chatReq.Messages) == 0 {
		return "messages is required and must not be empty", false
	}
	if chatReq.Model == "" {
		return "model is required", false
	}
	if estimated > tokenCeiling {
		return fmt.Sprintf("request exceeds the %d token limit (estimated %d tokens)", tokenCeiling, estimated), false
	}
	return "", true
}

// dispatchWithRetry runs the bounded acquire/dispatch/failover loop and
// returns the status written to the client. Retry is an explicit loop
// carrying an accumulated exclusion set, never recursion.
func (r *Relay) dispatchWithRetry(
	w http.ResponseWriter,
	req *http.Request,
	chatReq *chatRequest,
	body []byte,
	requestID string,
	start time.Time,
) int {
	ctx := req.Context()
	explicitKey := ExplicitKeyFromContext(ctx)

	var exclude []string
	var lastReason string

	for attempt := 0; ; attempt++ {
		var cred *keypool.Credential
		var err error
		if attempt == 0 {
			cred, err = r.pool.SelectCredential(ctx, explicitKey)
		} else {
			cred, err = r.pool.SelectExcluding(ctx, exclude...)
		}
		if err != nil {
			reason := selectionReason(err)
			r.metrics.RecordSelectionRejected(reason)
			r.logger.Warn("Credential selection failed",
				"request_id", requestID,
				"attempt", attempt,
				"reason", reason,
				"error", err,
			)
			if attempt > 0 {
				// Failover could not find a replacement.
				msg := "all retries failed: " + lastReason
				WriteErrorServiceUnavailable(w, msg)
				return http.StatusServiceUnavailable
			}
			WriteErrorRateLimit(w, err.Error())
			return http.StatusTooManyRequests
		}

		resp, err := r.dispatch(ctx, cred.Key, body)
		if err != nil {
			r.logger.Error("Upstream request failed",
				"request_id", requestID,
				"credential", security.MaskAPIKey(cred.Key),
				"error", err,
			)
			WriteErrorBadGateway(w, "upstream request failed: "+err.Error())
			return http.StatusBadGateway
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return r.respond(w, req, resp, cred, chatReq, requestID, start)
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusPaymentRequired && isBudgetExhausted(respBody) && explicitKey == "" {
			reason := exhaustionReason(respBody)
			lastReason = reason
			if err := r.pool.Disable(ctx, cred.Key, reason); err != nil {
				r.logger.Error("Failed to disable exhausted credential",
					"request_id", requestID,
					"credential", security.MaskAPIKey(cred.Key),
					"error", err,
				)
			}
			r.metrics.RecordCredentialDisabled()
			exclude = append(exclude, cred.Key)

			if attempt >= maxRetries {
				r.logger.Error("Retry ceiling exceeded",
					"request_id", requestID,
					"attempts", attempt+1,
					"reason", reason,
				)
				WriteErrorServiceUnavailable(w, "all retries failed: "+reason)
				return http.StatusServiceUnavailable
			}

			r.metrics.RecordRetry("budget_exhausted")
			r.logger.Warn("Credential budget exhausted, retrying with replacement",
				"request_id", requestID,
				"credential", security.MaskAPIKey(cred.Key),
				"attempt", attempt,
				"reason", reason,
			)
			continue
		}

		// Any other upstream failure is never retried.
		normBody, normStatus := r.errorRules.Apply(respBody, resp.StatusCode)
		r.logger.Warn("Upstream error passed through",
			"request_id", requestID,
			"credential", security.MaskAPIKey(cred.Key),
			"upstream_status", resp.StatusCode,
			"status", normStatus,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(normStatus)
		_, _ = w.Write(normBody)
		return normStatus
	}
}

// dispatch sends the raw client body upstream with the credential as bearer.
func (r *Relay) dispatch(ctx context.Context, key string, body []byte) (*http.Response, error) {
	url := r.upstreamURL + "/chat/completions"
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+key)
	return r.client.Do(upReq)
}

// respond transforms a successful upstream response and returns it to the client.
func (r *Relay) respond(
	w http.ResponseWriter,
	req *http.Request,
	resp *http.Response,
	cred *keypool.Credential,
	chatReq *chatRequest,
	requestID string,
	start time.Time,
) int {
	defer func() {
		_ = resp.Body.Close()
	}()

	thinkingDefault := transform.IsThinkingDefault(chatReq.Model, r.thinkingModels)

	if isStreamingResponse(resp) {
		return r.streamResponse(w, req, resp, cred, thinkingDefault, requestID, start)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.logger.Error("Failed to read upstream response",
			"request_id", requestID,
			"credential", security.MaskAPIKey(cred.Key),
			"error", err,
		)
		WriteErrorInternal(w, "failed to read upstream response: "+err.Error())
		return http.StatusInternalServerError
	}

	newBody, usage := transform.Completion(body, thinkingDefault)
	r.recordUsage(req, cred, usage, requestID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(newBody)

	r.logger.Info("Chat completion response",
		"request_id", requestID,
		"credential", security.MaskAPIKey(cred.Key),
		"status", resp.StatusCode,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"duration", time.Since(start),
	)
	return resp.StatusCode
}

// recordUsage persists token usage against the serving credential. Failures
// are logged and never affect the response path.
func (r *Relay) recordUsage(req *http.Request, cred *keypool.Credential, usage transform.Usage, requestID string) {
	if usage.IsZero() {
		return
	}
	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	delta := keypool.UsageDelta{
		PromptTokens:     int64(usage.PromptTokens),
		CompletionTokens: int64(usage.CompletionTokens),
		TotalTokens:      int64(total),
	}
	if err := r.pool.RecordUsage(req.Context(), cred.Key, delta); err != nil {
		r.logger.Warn("Failed to record credential usage",
			"request_id", requestID,
			"credential", security.MaskAPIKey(cred.Key),
			"error", err,
		)
	}
}

func isStreamingResponse(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/stream+json")
}

func selectionReason(err error) string {
	var rateLimited *keypool.RateLimitedError
	switch {
	case errors.Is(err, keypool.ErrPoolEmpty):
		return "pool_empty"
	case errors.Is(err, keypool.ErrNoneEnabled):
		return "none_enabled"
	case errors.As(err, &rateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

// isBudgetExhausted checks a 402 payload for a budget-exhaustion marker.
func isBudgetExhausted(respBody []byte) bool {
	bodyLower := bytes.ToLower(respBody)
	for _, marker := range budgetExhaustedMarkers {
		if bytes.Contains(bodyLower, marker) {
			return true
		}
	}
	return false
}

// exhaustionReason extracts the upstream's own message for the disable record.
func exhaustionReason(respBody []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return "credential budget exhausted"
}
