// Package metrics provides the metrics accumulator (C4): Prometheus
// counters/histograms keyed by (endpoint, client, status) plus a
// per-request timing scope.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// requests_total{endpoint,method,status_code,client}
	requestsTotal *prometheus.CounterVec

	// tokens_total{endpoint,client,kind}  kind ∈ {prompt,completion,total}
	tokensTotal *prometheus.CounterVec

	// cache_operations_total{op,result}  op ∈ {get,set}  result ∈ {hit,miss,success,error}
	cacheOps *prometheus.CounterVec

	// upstream_errors_total{kind,status_code}
	upstreamErrors *prometheus.CounterVec

	// request_duration_seconds{endpoint,method,client}
	requestDuration *prometheus.HistogramVec

	// active_requests{endpoint,client}
	activeRequests *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total number of proxy requests",
			},
			[]string{"endpoint", "method", "status_code", "client"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"endpoint", "client", "kind"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_errors_total",
				Help: "Total upstream errors by kind and status code",
			},
			[]string{"kind", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint", "method", "client"},
		),

		activeRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_requests",
				Help: "Current number of in-flight requests",
			},
			[]string{"endpoint", "client"},
		),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.tokensTotal,
		r.cacheOps,
		r.upstreamErrors,
		r.requestDuration,
		r.activeRequests,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// Scope is the per-request metrics scope (§4.4). Entry increments
// active_requests and captures a monotonic start time; Exit decrements
// active_requests, observes the duration, and emits the request counter
// using the status the caller set (default 500 if never set). Exit must
// run on every path, including upstream errors — callers defer it.
type Scope struct {
	r        *Registry
	endpoint string
	method   string
	client   string
	start    time.Time
	status   int
	once     sync.Once
}

// EnterScope begins a request-scoped metric: increments active_requests and
// starts the duration timer.
func (r *Registry) EnterScope(endpoint, method, client string) *Scope {
	r.activeRequests.WithLabelValues(endpoint, client).Inc()
	return &Scope{r: r, endpoint: endpoint, method: method, client: client, start: time.Now(), status: 500}
}

// SetStatus records the status code to be used at Exit. Call once the
// handler knows its final response status.
func (s *Scope) SetStatus(status int) { s.status = status }

// Exit decrements active_requests, emits the duration observation, and
// increments requests_total using whatever status was last set (default
// 500 if SetStatus was never called). Safe to call more than once — only
// the first call has any effect, since a handler may both defer its own
// Exit and run under a recover() wrapper that exits again on panic.
func (s *Scope) Exit() {
	s.once.Do(func() {
		s.r.activeRequests.WithLabelValues(s.endpoint, s.client).Dec()
		s.r.requestDuration.WithLabelValues(s.endpoint, s.method, s.client).Observe(time.Since(s.start).Seconds())
		s.r.requestsTotal.WithLabelValues(s.endpoint, s.method, strconv.Itoa(s.status), s.client).Inc()
	})
}

// AddTokenUsage records prompt/completion/total token counters for endpoint
// and client. Zero-valued fields are skipped (no counter increment for 0).
func (r *Registry) AddTokenUsage(endpoint, client string, prompt, completion, total int) {
	if prompt > 0 {
		r.tokensTotal.WithLabelValues(endpoint, client, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokensTotal.WithLabelValues(endpoint, client, "completion").Add(float64(completion))
	}
	if total > 0 {
		r.tokensTotal.WithLabelValues(endpoint, client, "total").Add(float64(total))
	}
}

// CacheOp increments cache_operations_total{op,result}.
func (r *Registry) CacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

// UpstreamError increments upstream_errors_total{kind,status_code}.
func (r *Registry) UpstreamError(kind string, statusCode int) {
	r.upstreamErrors.WithLabelValues(kind, strconv.Itoa(statusCode)).Inc()
}

// Handler returns the fasthttp handler serving Prometheus text exposition.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
