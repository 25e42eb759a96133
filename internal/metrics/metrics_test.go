package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsWith_IsolatedRegistry(t *testing.T) {
	// Two instances on separate registries must not collide.
	a := NewMetricsWith(prometheus.NewRegistry())
	b := NewMetricsWith(prometheus.NewRegistry())
	a.ReconcileTotal.WithLabelValues("rth", "clear").Inc()
	b.TicksTotal.Inc()
}

func TestNewMetricsWith_HelpTexts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.ThrottledCycles.WithLabelValues("rth").Inc()
	m.QueueSaturationPct.WithLabelValues("fanout_engine").Set(50)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	help := make(map[string]string, len(families))
	for _, mf := range families {
		help[mf.GetName()] = mf.GetHelp()
	}
	if got := help["trader_throttled_cycles_total"]; got != "Cycles whose snapshot publication was skipped by the throttle" {
		t.Errorf("throttled cycles help = %q", got)
	}
	if _, ok := help["trader_event_queue_saturation_pct"]; !ok {
		t.Error("saturation gauge not registered")
	}
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantCode   int
		wantStatus string
	}{
		{"all up", func(h *HealthStatus) {
			h.SetMarketOpen(true)
			h.SetWSConnected(true)
			h.SetRedisConnected(true)
			h.SetSQLiteOK(true)
		}, http.StatusOK, "healthy"},
		{"redis down", func(h *HealthStatus) {
			h.SetMarketOpen(true)
			h.SetWSConnected(true)
			h.SetSQLiteOK(true)
		}, http.StatusOK, "degraded"},
		{"feed down while open", func(h *HealthStatus) {
			h.SetMarketOpen(true)
			h.SetRedisConnected(true)
			h.SetSQLiteOK(true)
		}, http.StatusServiceUnavailable, "unhealthy"},
		{"feed down while closed", func(h *HealthStatus) {
			h.SetRedisConnected(true)
			h.SetSQLiteOK(true)
		}, http.StatusOK, "healthy"},
	}
	for _, tt := range tests {
		h := NewHealthStatus()
		tt.setup(h)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != tt.wantCode {
			t.Errorf("%s: code = %d, want %d", tt.name, rec.Code, tt.wantCode)
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if body.Status != tt.wantStatus {
			t.Errorf("%s: status = %q, want %q", tt.name, body.Status, tt.wantStatus)
		}
	}
}
