// Package metrics provides Prometheus metrics for chatrelay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeFailed    = "failed"
)

// Gateway fallback kinds.
const (
	FallbackTitle   = "title"
	FallbackSummary = "summary"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	StreamsStarted   prometheus.Counter
	StreamsActive    prometheus.Gauge
	StreamOutcomes   *prometheus.CounterVec
	TokensRelayed    prometheus.Counter
	RepliesCommitted prometheus.Counter
	GatewayFallbacks *prometheus.CounterVec
	Uploads          *prometheus.CounterVec

	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.StreamsStarted = f.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_streams_started_total",
		Help: "Total number of reply streams started",
	})
	m.StreamsActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_streams_active",
		Help: "Number of reply streams currently open",
	})
	m.StreamOutcomes = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_stream_outcomes_total",
			Help: "Finished reply streams by outcome",
		},
		[]string{"outcome"},
	)
	m.TokensRelayed = f.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_tokens_relayed_total",
		Help: "Total number of tokens relayed to clients",
	})
	m.RepliesCommitted = f.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_replies_committed_total",
		Help: "Assistant replies persisted to the store",
	})
	m.GatewayFallbacks = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_gateway_fallbacks_total",
			Help: "Best-effort completions that fell back to a default",
		},
		[]string{"kind"},
	)
	m.Uploads = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_uploads_total",
			Help: "Document uploads by status",
		},
		[]string{"status"},
	)
	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	return m
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.StreamsStarted.Inc()
	m.StreamsActive.Inc()
}

// StreamFinished records the outcome of a stream opened by StreamStarted.
func (m *Metrics) StreamFinished(outcome string, committed bool) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
	if committed {
		m.RepliesCommitted.Inc()
	}
}

func (m *Metrics) TokenRelayed() {
	if m == nil {
		return
	}
	m.TokensRelayed.Inc()
}

func (m *Metrics) Fallback(kind string) {
	if m == nil {
		return
	}
	m.GatewayFallbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) Upload(status string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
