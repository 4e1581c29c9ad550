package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeOracleError = "oracle_error"
	OutcomeStoreError  = "store_error"
	OutcomeRejected    = "rejected"
	OutcomeRateLimited = "rate_limited"
)

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry       *prometheus.Registry
	authFailures   *prometheus.CounterVec
	turns          *prometheus.CounterVec
	openConns      prometheus.Gauge
	oracleDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts by kind.",
		}, []string{"kind"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "open_connections",
			Help:      "Persistent connections currently open.",
		}),
		oracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Name:      "oracle_duration_seconds",
			Help:      "Time spent waiting for the generation backend.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
	}
	m.registry.MustRegister(
		m.authFailures,
		m.turns,
		m.openConns,
		m.oracleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterWorkers exposes the worker pool size through fn.
func (m *Metrics) RegisterWorkers(fn func() (running, idle int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "workers_running",
			Help:      "Workers in the oracle pool.",
		}, func() float64 {
			running, _ := fn()
			return float64(running)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "workers_idle",
			Help:      "Idle workers in the oracle pool.",
		}, func() float64 {
			_, idle := fn()
			return float64(idle)
		}),
	)
}

func (m *Metrics) AuthFailure(kind string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.openConns.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.openConns.Dec()
}

func (m *Metrics) ObserveOracle(d time.Duration) {
	if m == nil {
		return
	}
	m.oracleDuration.Observe(d.Seconds())
}
