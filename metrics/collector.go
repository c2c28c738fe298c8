// Package metrics exposes Prometheus metrics and a small in-process snapshot for /health.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label used when an operation succeeded.
const OutcomeSuccess = "success"

// Collector manages all metrics for the issuer service. A nil *Collector is a no-op.
type Collector struct {
	issuanceTotal    *prometheus.CounterVec
	issuanceDuration *prometheus.HistogramVec
	probeTotal       *prometheus.CounterVec
	ledgerDuration   *prometheus.HistogramVec
	ledgerErrors     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec

	registry *prometheus.Registry

	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot is what /health reports.
type Snapshot struct {
	StartTime        time.Time `json:"start_time"`
	IssuedSuccess    int64     `json:"issued_success"`
	IssuedFailed     int64     `json:"issued_failed"`
	ProbesTotal      int64     `json:"probes_total"`
	LastFailureKind  string    `json:"last_failure_kind,omitempty"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
	LastTransaction  string    `json:"last_transaction,omitempty"`
	LastIssuanceTime time.Time `json:"last_issuance_time,omitempty"`
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		issuanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintelligence_issuance_total",
			Help: "Issuance requests by operation, network and outcome",
		}, []string{"operation", "network", "outcome"}),

		issuanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mintelligence_issuance_duration_seconds",
			Help:    "End-to-end issuance latency including queueing",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"operation", "network"}),

		probeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintelligence_account_probe_total",
			Help: "Account probes by network and outcome",
		}, []string{"network", "outcome"}),

		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mintelligence_horizon_request_duration_seconds",
			Help:    "Horizon request latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"network", "call"}),

		ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mintelligence_horizon_errors_total",
			Help: "Horizon request failures by kind",
		}, []string{"network", "call", "kind"}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mintelligence_sequencer_queue_depth",
			Help: "Signing jobs waiting for the issuing account",
		}, []string{"network"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mintelligence_circuit_breaker_state",
			Help: "0 closed, 1 open, 2 half-open",
		}, []string{"circuit"}),
	}

	registry.MustRegister(
		c.issuanceTotal,
		c.issuanceDuration,
		c.probeTotal,
		c.ledgerDuration,
		c.ledgerErrors,
		c.queueDepth,
		c.breakerState,
		prometheus.NewGoCollector(),
	)

	c.snapshot.StartTime = time.Now()
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordIssuance records the outcome of one issuance request. outcome is OutcomeSuccess
// or a failure kind.
func (c *Collector) RecordIssuance(operation, network, outcome, txHash string, d time.Duration) {
	if c == nil {
		return
	}
	c.issuanceTotal.WithLabelValues(operation, network, outcome).Inc()
	c.issuanceDuration.WithLabelValues(operation, network).Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if outcome == OutcomeSuccess {
		c.snapshot.IssuedSuccess++
		c.snapshot.LastTransaction = txHash
		c.snapshot.LastIssuanceTime = now
		return
	}
	c.snapshot.IssuedFailed++
	c.snapshot.LastFailureKind = outcome
	c.snapshot.LastFailureTime = now
}

// RecordProbe records one account probe.
func (c *Collector) RecordProbe(network, outcome string) {
	if c == nil {
		return
	}
	c.probeTotal.WithLabelValues(network, outcome).Inc()

	c.mu.Lock()
	c.snapshot.ProbesTotal++
	c.mu.Unlock()
}

// ObserveLedgerCall records the latency of a Horizon call and, when kind is not empty,
// counts it as a failure.
func (c *Collector) ObserveLedgerCall(network, call, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.ledgerDuration.WithLabelValues(network, call).Observe(d.Seconds())
	if kind != "" {
		c.ledgerErrors.WithLabelValues(network, call, kind).Inc()
	}
}

// SetQueueDepth updates the sequencer queue gauge.
func (c *Collector) SetQueueDepth(network string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(network).Set(float64(depth))
}

// SetBreakerState records a circuit breaker transition.
func (c *Collector) SetBreakerState(circuit string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(circuit).Set(float64(state))
}

// Snapshot returns a copy of the counters reported by /health.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
