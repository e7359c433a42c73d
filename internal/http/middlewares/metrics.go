package middlewares

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type RequestMetrics struct {
	requestsCounter   *prometheus.CounterVec
	durationHistogram *prometheus.HistogramVec
}

// NewRequestMetrics registers the request counters on registerer. registerer may be nil.
func NewRequestMetrics(registerer prometheus.Registerer) (*RequestMetrics, error) {
	m := &RequestMetrics{
		requestsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacsarc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "No of http requests partitioned by method, route and status",
		}, []string{"method", "route", "status"}),
		durationHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pacsarc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of http requests partitioned by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{m.requestsCounter, m.durationHistogram} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Middleware records every request under its chi route pattern and logs it at debug level.
func (m *RequestMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		m.requestsCounter.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		m.durationHistogram.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		slog.Debug(fmt.Sprintf("%s %s -> %d in %s", r.Method, r.URL.Path, recorder.status, elapsed.Round(time.Microsecond)))
	})
}
