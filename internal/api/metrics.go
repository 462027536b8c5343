package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacraft_http_requests_total",
			Help: "HTTP requests served, by method, route, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// Download responses stream whole artifacts, so the upper buckets run
	// far past the usual sub-second API range.
	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacraft_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 300},
		},
		[]string{"method", "route"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacraft_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(reqTotal, reqDuration, reqInFlight)
}

// metricsMiddleware records count, duration, and an in-flight gauge per
// request, labelled by the matched chi route pattern so label cardinality
// stays bounded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqInFlight.Inc()
		defer reqInFlight.Dec()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		reqDuration.WithLabelValues(r.Method, route).Observe(time.Since(begin).Seconds())
	})
}

// routePattern returns the matched chi pattern, or "unmatched" for 404s.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
