package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SchedulerPhasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_phases_total",
			Help: "Total number of scheduler phases by outcome",
		},
		[]string{"phase", "outcome"},
	)
	SchedulerPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_phase_duration_seconds",
			Help:    "Scheduler phase duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"phase"},
	)
	ExperimentsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "experiments_finished_total",
			Help: "Total number of experiments by terminal state",
		},
		[]string{"state"},
	)
	ObserversOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "observers_online",
			Help: "Number of observers currently online",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SchedulerPhasesTotal,
		SchedulerPhaseDuration,
		ExperimentsFinishedTotal,
		ObserversOnline,
	)
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
