// Package metrics provides Prometheus collectors for sandboxd.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// LifecycleBuckets covers lifecycle operations from sub-second status checks
// up to a full clone-and-probe create.
var LifecycleBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300}

var (
	// OperationsTotal counts lifecycle operations by name and outcome ("ok"/"error").
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_operations_total",
			Help: "Lifecycle operations",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration records lifecycle operation duration in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_operation_duration_seconds",
			Help:    "Lifecycle operation duration",
			Buckets: LifecycleBuckets,
		},
		[]string{"operation"},
	)

	// ProbeAttempts records how many readiness probe attempts each create or
	// resume needed.
	ProbeAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_probe_attempts",
			Help:    "Readiness probe attempts per operation",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 30},
		},
		[]string{"operation", "outcome"},
	)

	// TransitionsTotal counts lifecycle state transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_transitions_total",
			Help: "Lifecycle state transitions",
		},
		[]string{"from", "to"},
	)

	// RequestsTotal counts gateway HTTP requests by route and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_http_requests_total",
			Help: "Gateway requests",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		ProbeAttempts,
		TransitionsTotal,
		RequestsTotal,
	)
}

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveOperation records one finished lifecycle operation.
func ObserveOperation(op string, start time.Time, err error) {
	OperationsTotal.WithLabelValues(op, Outcome(err)).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by chi route pattern so that sandbox ids in
// paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
