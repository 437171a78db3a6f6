package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "kioku"

// Metrics groups all Prometheus instruments used by the service. It
// satisfies memory.Observer.
type Metrics struct {
	registry *prometheus.Registry

	TurnsRecorded     *prometheus.CounterVec
	ContextsAssembled *prometheus.CounterVec
	EntriesDropped    *prometheus.CounterVec
	IndexingFailures  *prometheus.CounterVec
	StoreErrors       *prometheus.CounterVec
	TurnsReindexed    prometheus.Counter
	Evictions         prometheus.Counter
	BacklogDepth      prometheus.Gauge
	AssemblyLatency   prometheus.Histogram
}

// NewMetrics registers the instruments on a fresh registry. Go runtime and
// process collectors are included so /metrics is useful on its own.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_recorded_total",
			Help:      "record_turn calls by outcome.",
		}, []string{"status"}),
		ContextsAssembled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_assembled_total",
			Help:      "get_context calls by mode (full or degraded).",
		}, []string{"mode"}),
		EntriesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_entries_dropped_total",
			Help:      "Entries removed by budget enforcement, by source.",
		}, []string{"source"}),
		IndexingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexing_failures_total",
			Help:      "Best-effort semantic indexing failures by reason.",
		}, []string{"reason"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store call failures by store and operation.",
		}, []string{"store", "op"}),
		TurnsReindexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindexed_turns_total",
			Help:      "Turns indexed by the reindex backlog or a backfill.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_turns_total",
			Help:      "Turns removed by retention.",
		}),
		BacklogDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reindex_backlog_depth",
			Help:      "Turns waiting to be re-indexed.",
		}),
		AssemblyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_assembly_seconds",
			Help:      "get_context latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnRecorded implements memory.Observer.
func (m *Metrics) TurnRecorded(status string) { m.TurnsRecorded.WithLabelValues(status).Inc() }

// ContextAssembled implements memory.Observer.
func (m *Metrics) ContextAssembled(degraded bool, droppedWindow, droppedRetrieved int, elapsed time.Duration) {
	mode := "full"
	if degraded {
		mode = "degraded"
	}
	m.ContextsAssembled.WithLabelValues(mode).Inc()
	m.EntriesDropped.WithLabelValues("window").Add(float64(droppedWindow))
	m.EntriesDropped.WithLabelValues("retrieved").Add(float64(droppedRetrieved))
	m.AssemblyLatency.Observe(elapsed.Seconds())
}

// IndexingFailed implements memory.Observer.
func (m *Metrics) IndexingFailed(reason string) { m.IndexingFailures.WithLabelValues(reason).Inc() }

// StoreFailed implements memory.Observer.
func (m *Metrics) StoreFailed(store, op string) { m.StoreErrors.WithLabelValues(store, op).Inc() }

// TurnReindexed implements memory.Observer.
func (m *Metrics) TurnReindexed() { m.TurnsReindexed.Inc() }

// TurnsEvicted implements memory.Observer.
func (m *Metrics) TurnsEvicted(n int) { m.Evictions.Add(float64(n)) }

// BacklogSize implements memory.Observer.
func (m *Metrics) BacklogSize(n int) { m.BacklogDepth.Set(float64(n)) }
