package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Init(t *testing.T) {
	// Init should not panic when called multiple times
	Init()
	Init()
}

func TestMetrics_Handler(t *testing.T) {
	Init()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"sqlrelay_commands_total",
		"sqlrelay_route_latency_seconds",
		"sqlrelay_backend_latency_seconds",
		"sqlrelay_backend_errors_total",
		"sqlrelay_pool_idle_connections",
		"sqlrelay_router_server_healthy",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %q not found in response", metric)
		}
	}
}

func TestMetrics_Increment(t *testing.T) {
	Init()

	CommandsTotal.WithLabelValues("COM_QUERY", "PRIMARY").Inc()
	BackendErrors.WithLabelValues("db1-primary", "TRANSIENT").Inc()
	PoolSize.WithLabelValues("db1-primary").Set(3)
	RouteLatency.WithLabelValues("COM_QUERY").Observe(0.001)
	BackendLatency.WithLabelValues("db1-primary", "PRIMARY").Observe(0.002)
	SetRouterHealth("db1-replica1", true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `server="db1-primary"`) {
		t.Error("expected label server=db1-primary in output")
	}
	if !strings.Contains(body, `sqlrelay_router_server_healthy{server="db1-replica1"} 1`) {
		t.Error("expected router health gauge set to 1 for db1-replica1")
	}
}
