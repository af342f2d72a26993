// Package metrics is the Prometheus instrumentation for the proxy's
// routing and backend-connection behavior: package-level vars registered
// once through Init().
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsTotal counts dispatched client commands by command name and
	// the route role they were sent to.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrelay_commands_total",
			Help: "Total number of client commands routed to a backend",
		},
		[]string{"command", "role"},
	)

	// RouteLatency tracks the time spent in classification plus route
	// selection, not backend round-trip time.
	RouteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlrelay_route_latency_seconds",
			Help:    "Time spent classifying and selecting a route for one command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// BackendLatency tracks round-trip time against a specific backend.
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlrelay_backend_latency_seconds",
			Help:    "Round-trip time for one command against a backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "role"},
	)

	// BackendErrors counts backend errors by server and TRANSIENT/PERMANENT
	// classification.
	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrelay_backend_errors_total",
			Help: "Total backend errors observed, by classification",
		},
		[]string{"server", "kind"},
	)

	// PoolSize reports the current number of idle pooled connections for a
	// server. It's a gauge that is Set, not incremented; internal/pool does
	// not update it, so it changes only when a caller sets it.
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlrelay_pool_idle_connections",
			Help: "Number of idle backend connections currently pooled",
		},
		[]string{"server"},
	)

	// RouterHealth reports 1 if a Router considers a server healthy, 0
	// otherwise.
	RouterHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlrelay_router_server_healthy",
			Help: "Whether the router currently considers a server healthy",
		},
		[]string{"server"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus's default registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(CommandsTotal)
		prometheus.MustRegister(RouteLatency)
		prometheus.MustRegister(BackendLatency)
		prometheus.MustRegister(BackendErrors)
		prometheus.MustRegister(PoolSize)
		prometheus.MustRegister(RouterHealth)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetRouterHealth records healthy as 1.0 or 0.0 for server.
func SetRouterHealth(server string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	RouterHealth.WithLabelValues(server).Set(v)
}
