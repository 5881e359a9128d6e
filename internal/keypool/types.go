package keypool

import "time"

// Selection algorithms for picking the next credential.
const (
	AlgorithmRoundRobin    = "round-robin"
	AlgorithmLeastUsed     = "least-used"
	AlgorithmTokenBalanced = "token-balanced"
)

// ValidAlgorithm reports whether name is a known selection algorithm.
func ValidAlgorithm(name string) bool {
	switch name {
	case AlgorithmRoundRobin, AlgorithmLeastUsed, AlgorithmTokenBalanced:
		return true
	}
	return false
}

// RateLimit is the per-credential request budget for the current window.
type RateLimit struct {
	RPM          int       `json:"rpm"`
	CurrentCount int       `json:"current_count"`
	WindowStart  time.Time `json:"window_start"`
}

// Usage accumulates lifetime token and request counters for a credential.
type Usage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalRequests    int64     `json:"total_requests"`
	LastUsedAt       time.Time `json:"last_used_at"`
}

// Credential is one upstream access key managed by the pool.
// Key is the upstream secret itself and doubles as the identifier.
type Credential struct {
	Key            string    `json:"key"`
	RateLimit      RateLimit `json:"rate_limit"`
	Usage          Usage     `json:"usage"`
	Enabled        bool      `json:"enabled"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	DisabledAt     time.Time `json:"disabled_at,omitempty"`
}

// PoolConfig is the persisted pool configuration. Created once at startup if
// absent in the store, mutated only by explicit admin updates.
type PoolConfig struct {
	SelectionAlgorithm string `json:"selection_algorithm"`
	DefaultRPM         int    `json:"default_rpm"`
}

// ConfigPatch is a partial PoolConfig update. Nil fields are left unchanged.
type ConfigPatch struct {
	SelectionAlgorithm *string `json:"selection_algorithm,omitempty"`
	DefaultRPM         *int    `json:"default_rpm,omitempty"`
}

// CredentialPatch is a partial credential update applied by the admin API.
type CredentialPatch struct {
	RPM     *int  `json:"rpm,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
}

// UsageDelta carries token counters observed on one completed request.
type UsageDelta struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// AddRequest is one credential to create.
type AddRequest struct {
	Key string `json:"key"`
	RPM int    `json:"rpm,omitempty"`
}

// BatchResult partitions a batch add into succeeded and failed keys.
type BatchResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}
