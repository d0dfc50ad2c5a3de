package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	submissionsEnqueued prometheus.Counter
	submissionsRejected *prometheus.CounterVec
	evaluations         *prometheus.CounterVec
	evaluationLatency   prometheus.Histogram
	runnerCalls         *prometheus.CounterVec
	casConflicts        prometheus.Counter
	reaperRequeued      prometheus.Counter
	reaperAbandoned     prometheus.Counter
	inFlight            prometheus.Gauge
	leaderboardClients  prometheus.Gauge
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submissionsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_enqueued_total",
			Help:      "Total number of submissions accepted and enqueued",
		}),
		submissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_rejected_total",
			Help:      "Total number of rejected enqueue requests by reason",
		}, []string{"reason"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of finished evaluations by terminal state",
		}, []string{"state"}),
		evaluationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_latency_seconds",
			Help:      "Time from claim to terminal state",
			Buckets:   prometheus.DefBuckets,
		}),
		runnerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_calls_total",
			Help:      "Execution runner calls by result",
		}, []string{"result"}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "Lost state transitions (duplicate deliveries and races)",
		}),
		reaperRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_requeued_total",
			Help:      "Stale submissions returned to pending by the reaper",
		}),
		reaperAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_abandoned_total",
			Help:      "Submissions moved to error after exhausting attempts",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluations_in_flight",
			Help:      "Evaluations currently held by this worker",
		}),
		leaderboardClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leaderboard_stream_clients",
			Help:      "Connected leaderboard websocket clients",
		}),
	}
	c.registry.MustRegister(
		c.submissionsEnqueued,
		c.submissionsRejected,
		c.evaluations,
		c.evaluationLatency,
		c.runnerCalls,
		c.casConflicts,
		c.reaperRequeued,
		c.reaperAbandoned,
		c.inFlight,
		c.leaderboardClients,
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueued() {
	if c == nil {
		return
	}
	c.submissionsEnqueued.Inc()
}

func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.submissionsRejected.WithLabelValues(reason).Inc()
}

// RecordEvaluation counts a terminal transition written by a worker.
func (c *Collector) RecordEvaluation(state string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.evaluations.WithLabelValues(state).Inc()
	c.evaluationLatency.Observe(latencySeconds)
}

func (c *Collector) RecordRunnerCall(result string) {
	if c == nil {
		return
	}
	c.runnerCalls.WithLabelValues(result).Inc()
}

func (c *Collector) RecordConflict() {
	if c == nil {
		return
	}
	c.casConflicts.Inc()
}

func (c *Collector) RecordReaped(requeued, abandoned int) {
	if c == nil {
		return
	}
	c.reaperRequeued.Add(float64(requeued))
	c.reaperAbandoned.Add(float64(abandoned))
}

func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}

func (c *Collector) SetStreamClients(n int) {
	if c == nil {
		return
	}
	c.leaderboardClients.Set(float64(n))
}
