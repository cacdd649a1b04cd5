package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Worker metrics
	Workers     *prometheus.GaugeVec
	WorkerExits *prometheus.CounterVec
	Routes      prometheus.Gauge

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	PendingRequests  prometheus.Gauge
	StaleResponses   prometheus.Counter

	// Event stream metrics
	StreamClients prometheus.Gauge

	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON health endpoint
type Snapshot struct {
	TotalRequests  int64 `json:"total_requests"`
	TotalErrors    int64 `json:"total_errors"`
	Dispatched     int64 `json:"dispatched"`
	Timeouts       int64 `json:"timeouts"`
	StaleResponses int64 `json:"stale_responses"`
}

// NewMetrics creates a metrics collector backed by its own registry, so
// several instances can coexist (tests, embedded hosts).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maitre_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maitre_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),

		Workers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maitre_workers",
			Help: "Number of module workers by lifecycle state",
		}, []string{"state"}),
		WorkerExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maitre_worker_exits_total",
			Help: "Worker process exits by module and reason",
		}, []string{"module", "reason"}),
		Routes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maitre_routes",
			Help: "Number of live module routes",
		}),

		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maitre_dispatch_total",
			Help: "Requests forwarded to workers by module and outcome",
		}, []string{"module", "outcome"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maitre_dispatch_duration_seconds",
			Help:    "Time from forwarding a request to receiving the module response",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"module"}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maitre_pending_requests",
			Help: "Requests awaiting a module response",
		}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "maitre_stale_responses_total",
			Help: "Module responses whose correlation id matched no pending request",
		}),

		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maitre_event_stream_clients",
			Help: "Connected event stream websocket clients",
		}),
	}

	m.Uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maitre_uptime_seconds",
		Help: "Host uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })
	reg.MustRegister(m.Uptime)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns the Prometheus exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordDispatch records the outcome of one forwarded request
func (m *Metrics) RecordDispatch(module, outcome string, duration time.Duration) {
	m.DispatchTotal.WithLabelValues(module, outcome).Inc()
	m.DispatchDuration.WithLabelValues(module).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Dispatched++
	if outcome == OutcomeTimeout {
		m.snapshot.Timeouts++
	}
	m.mu.Unlock()
}

// Dispatch outcomes
const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeTerminated = "terminated"
	OutcomeSendError  = "send_error"
	OutcomeInvalid    = "invalid_response"
	OutcomeCanceled   = "canceled"
)

// IncStaleResponses counts a response nobody was waiting for
func (m *Metrics) IncStaleResponses() {
	m.StaleResponses.Inc()
	m.mu.Lock()
	m.snapshot.StaleResponses++
	m.mu.Unlock()
}

// RecordWorkerExit counts a worker exit
func (m *Metrics) RecordWorkerExit(module, reason string) {
	m.WorkerExits.WithLabelValues(module, reason).Inc()
}

// SetWorkers publishes the per-state worker counts
func (m *Metrics) SetWorkers(counts map[string]int) {
	for state, n := range counts {
		m.Workers.WithLabelValues(state).Set(float64(n))
	}
}

// SetRoutes sets the number of live routes
func (m *Metrics) SetRoutes(count int) {
	m.Routes.Set(float64(count))
}

// SetPending sets the number of outstanding requests
func (m *Metrics) SetPending(count int) {
	m.PendingRequests.Set(float64(count))
}

// IncStreamClients increments connected event stream clients
func (m *Metrics) IncStreamClients() {
	m.StreamClients.Inc()
}

// DecStreamClients decrements connected event stream clients
func (m *Metrics) DecStreamClients() {
	m.StreamClients.Dec()
}

// Snapshot returns a copy of the JSON-friendly counters
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UptimeSeconds returns seconds since the collector was created
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
