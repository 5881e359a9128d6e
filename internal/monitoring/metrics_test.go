package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	m := New(false)

	// None of these should panic or touch the registry
	m.RecordRequest("/chat/completions", 200, time.Second)
	m.RecordRetry("budget_exhausted")
	m.RecordCredentialDisabled()
	m.RecordSelectionRejected("pool_empty")
	m.UpdateCredentialWindowCount("sk-1...", 5)
	m.RecordStreamTTFB(100 * time.Millisecond)

	assert.False(t, m.isEnabled())
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	m.RecordRequest("/chat/completions", 200, time.Second)
	m.RecordRetry("budget_exhausted")
	m.RecordCredentialDisabled()
	m.RecordSelectionRejected("rate_limited")
	m.UpdateCredentialWindowCount("sk-1...", 5)
	m.RecordStreamTTFB(time.Millisecond)

	assert.False(t, m.isEnabled())
}

func TestMetrics_Enabled(t *testing.T) {
	m := New(true)

	assert.True(t, m.isEnabled())
	m.RecordRequest("/chat/completions", 503, 2*time.Second)
	m.RecordRetry("budget_exhausted")
	m.RecordCredentialDisabled()
}
