package portald

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/portald/internal/hostpool"
)

// telemetryBundle owns the Prometheus registry and the collectors bound
// to the handler's Observer hooks.
type telemetryBundle struct {
	registry *prometheus.Registry

	lockAcquires  *prometheus.CounterVec
	stepOutcomes  *prometheus.CounterVec
	watchdogFired prometheus.Counter
}

func newTelemetryBundle(pool *hostpool.Pool) *telemetryBundle {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t := &telemetryBundle{
		registry: registry,
		lockAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portald_lock_acquires_total",
			Help: "Distributed lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portald_pipeline_steps_total",
			Help: "Pipeline step executions by step and status.",
		}, []string{"step", "status"}),
		watchdogFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portald_watchdog_fired_total",
			Help: "Requests forcibly cleaned up by the deadline watchdog.",
		}),
	}
	registry.MustRegister(t.lockAcquires, t.stepOutcomes, t.watchdogFired)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "portald_pool_refs",
		Help: "Current reference count on the shared session host.",
	}, func() float64 {
		return float64(pool.Refs())
	}))
	return t
}

// LockAcquire implements httpapi.Observer.
func (t *telemetryBundle) LockAcquire(outcome string) {
	t.lockAcquires.WithLabelValues(outcome).Inc()
}

// StepOutcome implements httpapi.Observer.
func (t *telemetryBundle) StepOutcome(step, status string) {
	t.stepOutcomes.WithLabelValues(step, status).Inc()
}

// WatchdogFired implements httpapi.Observer.
func (t *telemetryBundle) WatchdogFired() {
	t.watchdogFired.Inc()
}

func (t *telemetryBundle) handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *telemetryBundle) serve(listener net.Listener) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.handler())
	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(listener)
	}()
	return srv
}
