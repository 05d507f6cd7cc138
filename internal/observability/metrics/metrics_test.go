package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.Forwarded.WithLabelValues("send").Inc()
	m.Forwarded.WithLabelValues("send").Inc()
	m.Blocked.WithLabelValues("edit_trap").Inc()
	m.ObserveWait("telegram", 1500*time.Millisecond)
	m.SetSessions(map[string]int{"listening": 2}, []string{"listening", "error"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`relay_forwarded_total{op="send"} 2`,
		`relay_blocked_total{reason="edit_trap"} 1`,
		`relay_sessions{state="listening"} 2`,
		`relay_sessions{state="error"} 0`,
		"relay_ratelimit_wait_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsHelpers(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveWait("x", time.Second)
	m.SetSessions(nil, []string{"error"})
}
