package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check is one subsystem's liveness probe. It should return quickly
// (callers apply their own timeout) and return a human-readable error
// describing the failure.
type Check func(ctx context.Context) error

// Registry aggregates named subsystem checks into a single readiness
// report and exposes a Prometheus registry other packages register
// metrics against.
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]Check
	registry *prometheus.Registry

	degraded      *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
}

// NewRegistry returns a Registry with its own Prometheus registry
// (process/go collectors included) so /metrics is self-contained.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		checks:   map[string]Check{},
		registry: reg,
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunerd_subsystem_healthy",
			Help: "1 if the named subsystem's health check currently passes, else 0.",
		}, []string{"subsystem"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunerd_health_check_duration_seconds",
			Help:    "Duration of each subsystem health check.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subsystem"}),
	}
	reg.MustRegister(r.degraded, r.checkDuration)
	return r
}

// Register adds a named subsystem check. Registering under an existing
// name replaces it.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// MustRegisterCollector exposes the underlying Prometheus registry so
// other packages (session, kvcache) can add their own collectors.
func (r *Registry) MustRegisterCollector(c prometheus.Collector) {
	r.registry.MustRegister(c)
}

// Overall status vocabulary for Report.Status.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Report is the JSON body served at /health.
type Report struct {
	Status     string            `json:"status"`
	Subsystems map[string]string `json:"subsystems"`
}

// Run executes every registered check with a 5-second timeout and
// records the outcome into the Prometheus gauges.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := make(map[string]Check, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	r.mu.RUnlock()

	rep := Report{Status: StatusHealthy, Subsystems: map[string]string{}}
	for name, check := range checks {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(cctx)
		cancel()
		r.checkDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			rep.Status = StatusDegraded
			rep.Subsystems[name] = err.Error()
			r.degraded.WithLabelValues(name).Set(0)
			continue
		}
		rep.Subsystems[name] = "ok"
		r.degraded.WithLabelValues(name).Set(1)
	}
	return rep
}

// ServeHealth handles GET /health: the full aggregated report.
func (r *Registry) ServeHealth(w http.ResponseWriter, req *http.Request) {
	rep := r.Run(req.Context())
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// ServeLive handles GET /health/live: the process is up and serving
// requests, regardless of subsystem health. Never fails once routed.
func (r *Registry) ServeLive(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ServeReady handles GET /health/ready: same aggregation as /health, but
// framed as a boolean readiness gate for load balancers/orchestrators.
func (r *Registry) ServeReady(w http.ResponseWriter, req *http.Request) {
	rep := r.Run(req.Context())
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]bool{"ready": rep.Status == StatusHealthy})
}

// MetricsHandler returns the Prometheus scrape handler for /metrics.
func (r *Registry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
