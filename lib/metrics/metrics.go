// Package metrics exposes prometheus collectors for onion request traffic,
// path maintenance and the snode pool.
//
// All methods are safe on a nil *Metrics, so components can be built without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onionreq"

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransport = "transport"
	OutcomeAuth      = "auth"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// Metrics bundles every collector.
type Metrics struct {
	requests      *prometheus.CounterVec
	attempts      prometheus.Counter
	duration      prometheus.Histogram
	destStatus    *prometheus.CounterVec
	pathRebuilds  *prometheus.CounterVec
	snodesDropped *prometheus.CounterVec
	swarmFetches  prometheus.Counter
	poolSize      prometheus.Gauge
	paths         prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Onion requests by final outcome",
			},
			[]string{"outcome"},
		),
		attempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_attempts_total",
				Help:      "Onion request attempts sent to guard snodes",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from first attempt to final outcome",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		destStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destination_status_total",
				Help:      "Status codes returned by onion request destinations",
			},
			[]string{"code"},
		),
		pathRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "path_rebuilds_total",
				Help:      "Onion path rebuilds by result",
			},
			[]string{"result"},
		),
		snodesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snodes_dropped_total",
				Help:      "Snodes dropped after repeated failures",
			},
			[]string{"from"},
		),
		swarmFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swarm_fetches_total",
				Help:      "Swarm lookups that went to the network",
			},
		),
		poolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snode_pool_size",
				Help:      "Snodes in the pool",
			},
		),
		paths: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "paths",
				Help:      "Onion paths ready for use",
			},
		),
	}

	reg.MustRegister(
		m.requests,
		m.attempts,
		m.duration,
		m.destStatus,
		m.pathRebuilds,
		m.snodesDropped,
		m.swarmFetches,
		m.poolSize,
		m.paths,
	)
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

// Request records the final outcome of one request.
func (m *Metrics) Request(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) DestinationStatus(code int) {
	if m == nil {
		return
	}
	m.destStatus.WithLabelValues(statusLabel(code)).Inc()
}

func (m *Metrics) PathRebuild(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.pathRebuilds.WithLabelValues(result).Inc()
}

// SnodeDropped counts a snode removed from "pool", "swarm" or "path".
func (m *Metrics) SnodeDropped(from string) {
	if m == nil {
		return
	}
	m.snodesDropped.WithLabelValues(from).Inc()
}

func (m *Metrics) SwarmFetch() {
	if m == nil {
		return
	}
	m.swarmFetches.Inc()
}

func (m *Metrics) PoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

func (m *Metrics) Paths(n int) {
	if m == nil {
		return
	}
	m.paths.Set(float64(n))
}

func statusLabel(code int) string {
	switch {
	case code >= 100 && code < 600:
		return string(rune('0'+code/100)) + "xx"
	default:
		return "other"
	}
}
