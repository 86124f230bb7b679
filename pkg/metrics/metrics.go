// Package metrics provides Prometheus metrics for the dagfeed service.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric namespace used when none is configured.
const DefaultNamespace = "dagfeed"

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Channel pool
	channelsCreated  *prometheus.CounterVec
	channelsDisposed *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec

	// Failover router
	probesTotal        *prometheus.CounterVec
	backendsReady      prometheus.Gauge
	failoversTotal     prometheus.Counter
	backendUnavailable prometheus.Counter

	// Live feed
	feedCycles        prometheus.Counter
	feedPublished     *prometheus.CounterVec
	feedSuppressed    prometheus.Counter
	feedFetchFailures prometheus.Counter
	feedWindowSize    prometheus.Gauge
	blockMassLimit    prometheus.Gauge

	// Supervision and emitters
	taskRestarts  *prometheus.CounterVec
	emitterErrors *prometheus.CounterVec
	subscribers   *prometheus.GaugeVec
}

// New creates a Metrics instance on a private registry and registers all
// collectors, including the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.channelsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "channels_created_total",
		Help:      "Total number of backend channels opened",
	}, []string{"backend"})

	m.channelsDisposed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "channels_disposed_total",
		Help:      "Total number of backend channels closed after a failure or overflow",
	}, []string{"backend"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "request_seconds",
		Help:      "Backend request round trip time by command",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"command", "outcome"})

	m.probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "probes_total",
		Help:      "Backend readiness probes by result",
	}, []string{"backend", "ready"})

	m.backendsReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "backends_ready",
		Help:      "Number of backends that are synced and UTXO indexed",
	})

	m.failoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "failovers_total",
		Help:      "Requests retried after a communication failure",
	})

	m.backendUnavailable = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "backend_unavailable_total",
		Help:      "Requests that found no ready backend after a full re-probe",
	})

	m.feedCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "livefeed",
		Name:      "cycles_total",
		Help:      "Aggregation cycles executed",
	})

	m.feedPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_total",
		Help:      "Payloads published by topic",
	}, []string{"topic"})

	m.feedSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "livefeed",
		Name:      "suppressed_total",
		Help:      "Snapshots not published because they were unchanged",
	})

	m.feedFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "livefeed",
		Name:      "fetch_failures_total",
		Help:      "Mempool fetches that failed and were treated as empty",
	})

	m.feedWindowSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "livefeed",
		Name:      "window_entries",
		Help:      "Entries currently held in the sliding window",
	})

	m.blockMassLimit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "livefeed",
		Name:      "block_mass_limit",
		Help:      "Block mass limit reported with snapshots",
	})

	m.taskRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watchdog",
		Name:      "restarts_total",
		Help:      "Supervised task restarts after a crash",
	}, []string{"task"})

	m.emitterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "emitter",
		Name:      "errors_total",
		Help:      "Emitter ticks that failed to fetch a value",
	}, []string{"topic"})

	m.subscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "subscribers",
		Help:      "Sessions joined to each topic",
	}, []string{"topic"})

	m.registry.MustRegister(
		m.channelsCreated,
		m.channelsDisposed,
		m.requestDuration,
		m.probesTotal,
		m.backendsReady,
		m.failoversTotal,
		m.backendUnavailable,
		m.feedCycles,
		m.feedPublished,
		m.feedSuppressed,
		m.feedFetchFailures,
		m.feedWindowSize,
		m.blockMassLimit,
		m.taskRestarts,
		m.emitterErrors,
		m.subscribers,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ChannelCreated records a new backend channel.
func (m *Metrics) ChannelCreated(backend string) {
	if m == nil {
		return
	}
	m.channelsCreated.WithLabelValues(backend).Inc()
}

// ChannelDisposed records a closed backend channel.
func (m *Metrics) ChannelDisposed(backend string) {
	if m == nil {
		return
	}
	m.channelsDisposed.WithLabelValues(backend).Inc()
}

// ObserveRequest records the duration of one backend round trip.
func (m *Metrics) ObserveRequest(command string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requestDuration.WithLabelValues(command, outcome).Observe(seconds)
}

// ProbeResult records the outcome of a readiness probe.
func (m *Metrics) ProbeResult(backend string, ready bool) {
	if m == nil {
		return
	}
	label := "false"
	if ready {
		label = "true"
	}
	m.probesTotal.WithLabelValues(backend, label).Inc()
}

// SetBackendsReady sets the number of ready backends.
func (m *Metrics) SetBackendsReady(n int) {
	if m == nil {
		return
	}
	m.backendsReady.Set(float64(n))
}

// Failover records a retried request.
func (m *Metrics) Failover() {
	if m == nil {
		return
	}
	m.failoversTotal.Inc()
}

// BackendUnavailable records a request that found no ready backend.
func (m *Metrics) BackendUnavailable() {
	if m == nil {
		return
	}
	m.backendUnavailable.Inc()
}

// FeedCycle records one aggregation cycle and the resulting window size.
func (m *Metrics) FeedCycle(windowSize int) {
	if m == nil {
		return
	}
	m.feedCycles.Inc()
	m.feedWindowSize.Set(float64(windowSize))
}

// Published records a payload sent to a topic.
func (m *Metrics) Published(topic string) {
	if m == nil {
		return
	}
	m.feedPublished.WithLabelValues(topic).Inc()
}

// Suppressed records an unchanged snapshot that was not published.
func (m *Metrics) Suppressed() {
	if m == nil {
		return
	}
	m.feedSuppressed.Inc()
}

// FetchFailed records a failed mempool fetch.
func (m *Metrics) FetchFailed() {
	if m == nil {
		return
	}
	m.feedFetchFailures.Inc()
}

// SetBlockMassLimit records the current block mass limit.
func (m *Metrics) SetBlockMassLimit(v int64) {
	if m == nil {
		return
	}
	m.blockMassLimit.Set(float64(v))
}

// TaskRestarted records a watchdog restart.
func (m *Metrics) TaskRestarted(task string) {
	if m == nil {
		return
	}
	m.taskRestarts.WithLabelValues(task).Inc()
}

// EmitterError records a failed emitter tick.
func (m *Metrics) EmitterError(topic string) {
	if m == nil {
		return
	}
	m.emitterErrors.WithLabelValues(topic).Inc()
}

// SetSubscribers sets the number of sessions joined to a topic.
func (m *Metrics) SetSubscribers(topic string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(topic).Set(float64(n))
}
