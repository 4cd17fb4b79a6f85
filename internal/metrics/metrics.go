package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"variant", "route", "method", "status_code"},
	)

	RoutingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_decisions_total",
			Help: "Chat requests by receiving variant and routing outcome.",
		},
		[]string{"variant", "decision"},
	)

	ForwardFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forward_failures_total",
			Help: "Requests that could not be relayed to a sibling variant.",
		},
		[]string{"target"},
	)

	StreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streams_total",
			Help: "Streaming responses by terminal state (done, error, cancelled).",
		},
		[]string{"variant", "outcome"},
	)

	BackendUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_unavailable_total",
			Help: "Availability checks that found the engine unable to serve, by reason.",
		},
		[]string{"reason"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_cache_lookups_total",
			Help: "Deterministic completion cache lookups by backend and result (hit, miss, error).",
		},
		[]string{"backend", "result"},
	)

	CacheStoreFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_cache_store_failures_total",
			Help: "Completions that could not be written to the cache.",
		},
		[]string{"backend"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		GatewayLatencySeconds,
		RoutingDecisionsTotal,
		ForwardFailuresTotal,
		StreamsTotal,
		BackendUnavailableTotal,
		CacheLookupsTotal,
		CacheStoreFailuresTotal,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency per route pattern for one variant's server.
func Middleware(variantName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			GatewayLatencySeconds.
				WithLabelValues(variantName, route, r.Method, strconv.Itoa(rec.statusCode)).
				Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
