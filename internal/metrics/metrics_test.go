package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestInitRegistersCollectorsWithoutPanic(t *testing.T) {
	m := Init("broker_test")
	m.PoolSize.Set(3)
	m.LiveWorkloadCount.Set(5)
	m.SetBreakerState("gateway", 2)
	m.SessionsProvisionedTotal.Inc()

	var metric dto.Metric
	if err := m.PoolSize.Write(&metric); err != nil {
		t.Fatalf("write pool size: %v", err)
	}
	if metric.GetGauge().GetValue() != 3 {
		t.Fatalf("expected pool size 3, got %v", metric.GetGauge().GetValue())
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := Init("broker_test2")
	m.PoolSize.Set(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty exposition body")
	}
}
