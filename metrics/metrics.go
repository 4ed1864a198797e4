// Package metrics exposes the offline layer's Prometheus metrics.
//
// A Collector owns a private registry and implements the Recorder
// interfaces of strategy, lifecycle and connectivity, so each component
// records what it does without importing Prometheus. All methods are safe
// on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the offline layer's metrics.
type Collector struct {
	registry *prometheus.Registry

	// Interception
	served      *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	refreshes   *prometheus.CounterVec

	// Lifecycle
	installs        *prometheus.CounterVec
	installDuration prometheus.Histogram
	activeInfo      *prometheus.GaugeVec
	activations     prometheus.Counter
	evicted         prometheus.Counter

	// Connectivity and queue
	reachable   prometheus.Gauge
	transitions *prometheus.CounterVec
	drains      prometheus.Counter
	replayed    *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	submits     *prometheus.CounterVec

	namespace string
}

// NewCollector creates a Collector. namespace defaults to "nous".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "nous"
	}
	c := &Collector{registry: prometheus.NewRegistry(), namespace: namespace}

	c.served = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "intercept", Name: "served_total",
		Help: "Intercepted requests by strategy class and response source (network, cache, fallback, none)",
	}, []string{"class", "source"})
	c.storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "store_errors_total",
		Help: "Cache store operations that failed without failing the request",
	}, []string{"op"})
	c.refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "refreshes_total",
		Help: "Background revalidations by outcome",
	}, []string{"outcome"})

	c.installs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lifecycle", Name: "installs_total",
		Help: "Generation installs by outcome (complete, incomplete, superseded)",
	}, []string{"outcome"})
	c.installDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "lifecycle", Name: "install_duration_seconds",
		Help:    "Time taken to fetch a generation's shell",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})
	c.activeInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "lifecycle", Name: "active_generation",
		Help: "1 for the generation currently serving traffic",
	}, []string{"generation"})
	c.activations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lifecycle", Name: "activations_total",
		Help: "Cutovers to a new generation",
	})
	c.evicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lifecycle", Name: "evicted_generations_total",
		Help: "Generations deleted from the cache store",
	})

	c.reachable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "connectivity", Name: "reachable",
		Help: "1 when the remote collaborator is reachable",
	})
	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "connectivity", Name: "transitions_total",
		Help: "Reachability transitions by new state",
	}, []string{"state"})
	c.drains = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "drains_total",
		Help: "Queue drains started",
	})
	c.replayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "replayed_total",
		Help: "Queued mutations replayed by result (synced, failed)",
	}, []string{"result"})
	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "queue", Name: "depth",
		Help: "Mutations waiting for replay",
	})
	c.submits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "submits_total",
		Help: "Writes submitted by path taken (direct, queued, rejected)",
	}, []string{"path"})

	c.registry.MustRegister(
		c.served, c.storeErrors, c.refreshes,
		c.installs, c.installDuration, c.activeInfo, c.activations, c.evicted,
		c.reachable, c.transitions, c.drains, c.replayed, c.queueDepth, c.submits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Served implements strategy.Recorder.
func (c *Collector) Served(class, source string) {
	if c == nil {
		return
	}
	c.served.WithLabelValues(class, source).Inc()
}

// StoreError implements strategy.Recorder.
func (c *Collector) StoreError(op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(op).Inc()
}

// Refresh implements strategy.Recorder.
func (c *Collector) Refresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

// InstallFinished implements lifecycle.Recorder.
func (c *Collector) InstallFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.installs.WithLabelValues(outcome).Inc()
	c.installDuration.Observe(d.Seconds())
}

// Activated implements lifecycle.Recorder.
func (c *Collector) Activated(generation string) {
	if c == nil {
		return
	}
	c.activeInfo.Reset()
	c.activeInfo.WithLabelValues(generation).Set(1)
	c.activations.Inc()
}

// Evicted implements lifecycle.Recorder.
func (c *Collector) Evicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.evicted.Add(float64(n))
}

// Connectivity implements connectivity.Recorder.
func (c *Collector) Connectivity(reachable bool) {
	if c == nil {
		return
	}
	if reachable {
		c.reachable.Set(1)
		c.transitions.WithLabelValues("reachable").Inc()
		return
	}
	c.reachable.Set(0)
	c.transitions.WithLabelValues("unreachable").Inc()
}

// DrainStarted implements connectivity.Recorder.
func (c *Collector) DrainStarted() {
	if c == nil {
		return
	}
	c.drains.Inc()
}

// Drained records a drain summary.
func (c *Collector) Drained(synced, failed, pending int) {
	if c == nil {
		return
	}
	c.replayed.WithLabelValues("synced").Add(float64(synced))
	c.replayed.WithLabelValues("failed").Add(float64(failed))
	c.queueDepth.Set(float64(pending))
}

// QueueDepth sets the pending-mutation gauge.
func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// Submitted counts a write by the path it took.
func (c *Collector) Submitted(path string) {
	if c == nil {
		return
	}
	c.submits.WithLabelValues(path).Inc()
}

// TrackClients exposes count() as the connected-client gauge. Call it
// once.
func (c *Collector) TrackClients(count func() int) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace, Subsystem: "hub", Name: "clients",
		Help: "Connected notification clients",
	}, func() float64 { return float64(count()) }))
}
