// Package metrics exposes the broker's Prometheus gauges and counters:
// pool size, live workload count, circuit breaker state, and observer
// tick duration, per spec.md §4.4/§4.5's "update gauge metrics" steps.
// Business logic stays in internal/pool and internal/observer; this
// package only holds the collectors and a registry handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the broker registers.
type Metrics struct {
	registry *prometheus.Registry

	PoolSize          prometheus.Gauge
	LiveWorkloadCount prometheus.Gauge

	CircuitBreakerState *prometheus.GaugeVec // 0=closed 1=half_open 2=open, labeled by dependency

	ObserverTickDuration prometheus.Histogram
	ObserverTickErrors   prometheus.Counter

	SessionsProvisionedTotal prometheus.Counter
	SessionsClaimedTotal     prometheus.Counter
	SessionsSpawnedTotal     prometheus.Counter
	WorkloadsDestroyedTotal  prometheus.Counter
	IdleSweepDestroyedTotal  prometheus.Counter
}

// Init builds and registers the broker's collectors under namespace.
// Safe to call once at startup.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Current count of unclaimed, pre-warmed workloads.",
		}),
		LiveWorkloadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_workload_count",
			Help:      "Current count of live managed workloads, pool and claimed.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency: 0=closed, 1=half_open, 2=open.",
		}, []string{"dependency"}),
		ObserverTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "observer_tick_duration_seconds",
			Help:      "Duration of one lifecycle observer poll tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		ObserverTickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_tick_errors_total",
			Help:      "Lifecycle observer ticks that logged an error and continued.",
		}),
		SessionsProvisionedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_provisioned_total",
			Help:      "Sessions successfully provisioned for a user.",
		}),
		SessionsClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_claimed_total",
			Help:      "Provisions satisfied by claiming a pool entry.",
		}),
		SessionsSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_spawned_total",
			Help:      "Workloads spawned fresh, pool top-up or provision-on-miss.",
		}),
		WorkloadsDestroyedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workloads_destroyed_total",
			Help:      "Workloads destroyed by the observer's end handler.",
		}),
		IdleSweepDestroyedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_sweep_destroyed_total",
			Help:      "Workloads destroyed by the idle sweep.",
		}),
	}

	registry.MustRegister(
		m.PoolSize, m.LiveWorkloadCount, m.CircuitBreakerState,
		m.ObserverTickDuration, m.ObserverTickErrors,
		m.SessionsProvisionedTotal, m.SessionsClaimedTotal, m.SessionsSpawnedTotal,
		m.WorkloadsDestroyedTotal, m.IdleSweepDestroyedTotal,
	)

	return m
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBreakerState records a breaker's numeric state for dependency.
func (m *Metrics) SetBreakerState(dependency string, state int) {
	m.CircuitBreakerState.WithLabelValues(dependency).Set(float64(state))
}
