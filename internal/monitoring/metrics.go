package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrelay_requests_total",
			Help: "Total number of relayed requests",
		},
		[]string{"endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyrelay_requests_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 120, 240, 600},
		},
		[]string{"endpoint"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrelay_retries_total",
			Help: "Total number of failover retries after credential budget exhaustion",
		},
		[]string{"reason"},
	)

	CredentialsDisabledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyrelay_credentials_disabled_total",
			Help: "Total number of credentials disabled by the relay",
		},
	)

	SelectionRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrelay_selection_rejected_total",
			Help: "Total number of failed credential selections",
		},
		[]string{"reason"},
	)

	CredentialWindowCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyrelay_credential_window_count",
			Help: "Requests charged against each credential in the current window",
		},
		[]string{"credential"},
	)

	StreamTimeToFirstByte = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyrelay_stream_ttfb_seconds",
			Help:    "Time from upstream dispatch to first streamed byte",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(reason string) {
	if !m.isEnabled() {
		return
	}
	RetriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCredentialDisabled() {
	if !m.isEnabled() {
		return
	}
	CredentialsDisabledTotal.Inc()
}

func (m *Metrics) RecordSelectionRejected(reason string) {
	if !m.isEnabled() {
		return
	}
	SelectionRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpdateCredentialWindowCount(credential string, count int) {
	if !m.isEnabled() {
		return
	}
	CredentialWindowCount.WithLabelValues(credential).Set(float64(count))
}

func (m *Metrics) RecordStreamTTFB(d time.Duration) {
	if !m.isEnabled() {
		return
	}
	StreamTimeToFirstByte.Observe(d.Seconds())
}
