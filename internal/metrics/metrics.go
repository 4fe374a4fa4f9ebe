// Package metrics exposes Prometheus collectors for the executor, the rule
// dispatcher, the venue gateway and the order-book feed. A Metrics value owns
// its own registry so several instances can coexist in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/chaintrader/internal/orderbook"
)

const namespace = "chaintrader"

// Metrics groups every collector. All methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	ticks           *prometheus.CounterVec
	ordersSubmitted *prometheus.CounterVec
	venueErrors     *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	gatewayWeight   prometheus.Gauge
	bookOutcomes    *prometheus.CounterVec
	rulesFired      *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry, including the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_ticks_total",
			Help:      "Executor ticks per task by result (processed, skipped, error).",
		}, []string{"result"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the venue, by job kind.",
		}, []string{"kind"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_errors_total",
			Help:      "Failed gateway calls by operation.",
		}, []string{"op"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway call latency including throttle wait.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
		gatewayWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_request_weight",
			Help:      "Request weight counted in the current minute.",
		}),
		bookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_deltas_total",
			Help:      "Depth deltas by symbol and outcome (applied, stale, resynced, pending).",
		}, []string{"symbol", "outcome"}),
		rulesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_fired_total",
			Help:      "Trading rules that triggered, by market.",
		}, []string{"market"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Trade task terminal transitions by status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator API requests by method and status.",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.ordersSubmitted, m.venueErrors, m.gatewayLatency, m.gatewayWeight,
		m.bookOutcomes, m.rulesFired, m.taskTransitions, m.httpRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskTick records one executor tick result.
func (m *Metrics) TaskTick(result string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
}

// OrderSubmitted records an accepted order.
func (m *Metrics) OrderSubmitted(kind string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(kind).Inc()
}

// VenueError records a failed gateway call.
func (m *Metrics) VenueError(op string) {
	if m == nil {
		return
	}
	m.venueErrors.WithLabelValues(op).Inc()
}

// GatewayCall observes the latency of one gateway call.
func (m *Metrics) GatewayCall(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(op).Observe(d.Seconds())
}

// GatewayWeight sets the current per-minute weight.
func (m *Metrics) GatewayWeight(w int) {
	if m == nil {
		return
	}
	m.gatewayWeight.Set(float64(w))
}

// BookOutcome implements orderbook.Observer.
func (m *Metrics) BookOutcome(symbol string, outcome orderbook.Outcome) {
	if m == nil {
		return
	}
	m.bookOutcomes.WithLabelValues(symbol, outcome.String()).Inc()
}

// RuleFired records a triggered trading rule.
func (m *Metrics) RuleFired(market string) {
	if m == nil {
		return
	}
	m.rulesFired.WithLabelValues(market).Inc()
}

// TaskTransition records a task entering a terminal status.
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// HTTPRequest records one operator API request.
func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, http.StatusText(status)).Inc()
}
