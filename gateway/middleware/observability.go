package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observability wires request metrics and logging for the gateway and carries
// the ledger-level counters the handlers record.
type Observability struct {
	log       *slog.Logger
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	applies   *prometheus.CounterVec
	alerts    *prometheus.CounterVec
}

// NewObservability builds the metric set on a private registry.
func NewObservability(namespace string, logger *slog.Logger) *Observability {
	if namespace == "" {
		namespace = "boroledger"
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	applies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_applies_total",
		Help:      "Ledger apply attempts by transaction kind and outcome.",
	}, []string{"kind", "outcome"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_alerts_total",
		Help:      "Guard and fraud alerts raised, by alert type.",
	}, []string{"type"})
	registry.MustRegister(requests, durations, applies, alerts)
	return &Observability{
		log:       logger,
		registry:  registry,
		requests:  requests,
		durations: durations,
		applies:   applies,
		alerts:    alerts,
	}
}

// RecordApply counts one ledger apply attempt.
func (o *Observability) RecordApply(kind, outcome string) {
	if o == nil {
		return
	}
	o.applies.WithLabelValues(kind, outcome).Inc()
}

// RecordAlert counts one raised alert.
func (o *Observability) RecordAlert(alertType string) {
	if o == nil {
		return
	}
	o.alerts.WithLabelValues(alertType).Inc()
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts, durations, and a structured log line per
// request under the given route label.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)
			status := strconv.Itoa(rec.status)
			o.requests.WithLabelValues(route, r.Method, status).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
			o.log.Debug("request handled",
				"route", route, "method", r.Method, "path", r.URL.Path,
				"status", rec.status, "elapsed", elapsed)
		})
	}
}
