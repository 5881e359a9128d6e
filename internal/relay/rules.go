package relay

import "encoding/json"

// ErrorRule maps upstream failures onto a normalized client error. A rule
// with no Statuses is a wildcard. Evaluation is first-match-wins.
type ErrorRule struct {
	// Statuses the rule matches. Empty matches any status.
	Statuses []int
	// Transform rewrites the decoded body. Nil means identity.
	Transform func(map[string]any) map[string]any
	// OverrideStatus replaces the upstream status when non-zero.
	OverrideStatus int
	// Code is written into the body's "code" field when the body is an object.
	Code string
	// Message overrides the body's "message" field when the body is an object.
	Message string
}

// ErrorTransformer normalizes upstream error payloads through an ordered
// rule table. A disabled transformer returns its input unchanged.
type ErrorTransformer struct {
	Enabled bool
	Rules   []ErrorRule
}

// DefaultErrorTransformer is the rule table used by the relay.
func DefaultErrorTransformer() *ErrorTransformer {
	return &ErrorTransformer{
		Enabled: true,
		Rules: []ErrorRule{
			{Statuses: []int{400}, Code: "INVALID_REQUEST"},
			{Statuses: []int{401, 403}, Code: "UPSTREAM_AUTH_FAILED"},
			{Statuses: []int{404}, Code: "NOT_FOUND", Message: "The requested resource was not found"},
			{Statuses: []int{429}, Code: "UPSTREAM_RATE_LIMITED"},
			{Statuses: []int{500, 502, 503, 504}, Code: "UPSTREAM_UNAVAILABLE"},
			{Code: "UPSTREAM_ERROR"}, // trailing wildcard guarantees termination
		},
	}
}

// Apply scans the rule table in order and returns the normalized body and
// status for the first matching rule. Later rules are never evaluated.
func (t *ErrorTransformer) Apply(payload []byte, status int) ([]byte, int) {
	if t == nil || !t.Enabled {
		return payload, status
	}

	for _, rule := range t.Rules {
		if !rule.matches(status) {
			continue
		}
		return rule.apply(payload, status)
	}
	return payload, status
}

func (r *ErrorRule) matches(status int) bool {
	if len(r.Statuses) == 0 {
		return true
	}
	for _, s := range r.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r *ErrorRule) apply(payload []byte, status int) ([]byte, int) {
	outStatus := status
	if r.OverrideStatus != 0 {
		outStatus = r.OverrideStatus
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil || body == nil {
		// Non-object payloads pass through; only the status can change.
		return payload, outStatus
	}

	if r.Transform != nil {
		body = r.Transform(body)
		if body == nil {
			return payload, outStatus
		}
	}
	if r.Code != "" {
		body["code"] = r.Code
	}
	if r.Message != "" {
		body["message"] = r.Message
	}

	out, err := json.Marshal(body)
	if err != nil {
		return payload, outStatus
	}
	return out, outStatus
}
