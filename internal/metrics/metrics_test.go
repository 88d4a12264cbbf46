package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SessionStarted("manual")
	m.SessionStarted("scheduled")
	m.SessionFinished("completed", 30*time.Second)
	m.ObserveItem("success")
	m.ObserveItem("success")
	m.ObserveItem("failure")
	m.ObservePortalRequest("search", time.Now(), nil)
	m.ObservePortalRequest("search", time.Now(), errors.New("boom"))
	m.ObserveLogin(nil)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("ActiveSessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ItemsProcessed.WithLabelValues("success")); got != 2 {
		t.Errorf("items success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PortalRequests.WithLabelValues("search", "error")); got != 1 {
		t.Errorf("portal errors = %v, want 1", got)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.SessionStarted("manual")
	m.SessionFinished("error", time.Second)
	m.ObserveItem("success")
	m.ObserveQuotaStop()
	m.ObservePortalRequest("detail", time.Now(), nil)
	m.ObserveLogin(nil)
	m.ObserveScheduledRun("started")
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveQuotaStop()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "s2b_extend_quota_stops_total 1") {
		t.Errorf("metrics output missing quota counter:\n%s", body)
	}
}
