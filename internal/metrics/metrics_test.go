package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.StreamFinished(OutcomeCompleted, true)
	m.TokenRelayed()
	m.Fallback(FallbackTitle)
	m.Upload("uploaded")
	m.ObserveHTTP("GET", "/chats", "200", time.Millisecond)
}

func TestStreamLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StreamStarted()
	m.StreamStarted()
	if got := testutil.ToFloat64(m.StreamsActive); got != 2 {
		t.Fatalf("expected 2 active, got %v", got)
	}

	m.StreamFinished(OutcomeStopped, true)
	m.StreamFinished(OutcomeFailed, false)

	if got := testutil.ToFloat64(m.StreamsActive); got != 0 {
		t.Errorf("expected 0 active, got %v", got)
	}
	if got := testutil.ToFloat64(m.StreamsStarted); got != 2 {
		t.Errorf("expected 2 started, got %v", got)
	}
	if got := testutil.ToFloat64(m.StreamOutcomes.WithLabelValues(OutcomeStopped)); got != 1 {
		t.Errorf("expected 1 stopped, got %v", got)
	}
	if got := testutil.ToFloat64(m.RepliesCommitted); got != 1 {
		t.Errorf("expected 1 committed, got %v", got)
	}
}

func TestCountersByLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Fallback(FallbackSummary)
	m.Fallback(FallbackSummary)
	m.Upload("rejected")
	m.TokenRelayed()

	if got := testutil.ToFloat64(m.GatewayFallbacks.WithLabelValues(FallbackSummary)); got != 2 {
		t.Errorf("expected 2 summary fallbacks, got %v", got)
	}
	if got := testutil.ToFloat64(m.Uploads.WithLabelValues("rejected")); got != 1 {
		t.Errorf("expected 1 rejected upload, got %v", got)
	}
	if got := testutil.ToFloat64(m.TokensRelayed); got != 1 {
		t.Errorf("expected 1 token, got %v", got)
	}
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
