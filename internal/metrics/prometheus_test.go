package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(MatchesFormed)
	m.Add(CandidatesBuffered, 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE webrtc_pairing_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `webrtc_pairing_events_total{event="matches_formed"} 1`) {
		t.Fatalf("missing matches counter: %s", body)
	}
	if !strings.Contains(body, `webrtc_pairing_events_total{event="candidates_buffered"} 3`) {
		t.Fatalf("missing buffered counter: %s", body)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MatchesFormed)
	if got := m.Get(MatchesFormed); got != 0 {
		t.Fatalf("nil metrics Get=%d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("nil metrics Snapshot=%v, want nil", snap)
	}
}
