package metric

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New("agent-1")

	m.ObserveRequest("task.create", OutcomeOK, 0.012)
	m.ObserveRequest("task.create", OutcomeError, 0.002)
	m.ObserveFrame()
	done := m.TrackInFlight()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`agentcomms_dispatch_requests_total{agent="agent-1",method="task.create",outcome="ok"} 1`,
		`agentcomms_dispatch_requests_total{agent="agent-1",method="task.create",outcome="error"} 1`,
		`agentcomms_stream_frames_total{agent="agent-1"} 1`,
		`agentcomms_dispatch_requests_in_flight{agent="agent-1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metric:metric_test - exposition missing %q", want)
		}
	}

	done()
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `agentcomms_dispatch_requests_in_flight{agent="agent-1"} 0`) {
		t.Error("metric:metric_test - in-flight gauge not decremented")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("task.create", OutcomeOK, 0)
	m.ObserveFrame()
	m.TrackInFlight()()
}
