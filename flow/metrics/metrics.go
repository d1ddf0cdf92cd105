// Package metrics exposes Prometheus collectors for the scheduler,
// concurrency manager, and node executor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the engine's Prometheus collectors. The scheduler,
// concurrency manager and executor packages do not update them.
type Metrics struct {
	InflightNodes              prometheus.Gauge
	QueueDepth                 prometheus.Gauge
	StepLatencyMs              prometheus.Histogram
	RetriesTotal               prometheus.Counter
	BackpressureEventsTotal    prometheus.Counter
	ConcurrencyRejectionsTotal prometheus.Counter
	QueueDepthByScope          *prometheus.GaugeVec
}

// New registers and returns a Metrics bundle on registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		InflightNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flow_inflight_nodes",
			Help: "Number of nodes currently executing across all executions.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flow_queue_depth",
			Help: "Number of work items waiting in the scheduler frontier.",
		}),
		StepLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flow_step_latency_ms",
			Help:    "Node execution duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flow_retries_total",
			Help: "Cumulative count of node retry attempts.",
		}),
		BackpressureEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flow_backpressure_events_total",
			Help: "Count of times the scheduler frontier reached capacity.",
		}),
		ConcurrencyRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flow_concurrency_rejections_total",
			Help: "Count of triggers rejected by the concurrency manager.",
		}),
		QueueDepthByScope: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flow_queue_depth_by_scope",
			Help: "Pending-trigger queue length per concurrency scope key.",
		}, []string{"scope_key"}),
	}
	registry.MustRegister(
		m.InflightNodes, m.QueueDepth, m.StepLatencyMs, m.RetriesTotal,
		m.BackpressureEventsTotal, m.ConcurrencyRejectionsTotal, m.QueueDepthByScope,
	)
	return m
}
