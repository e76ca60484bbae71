// Package metrics exports engine and dispatcher events as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jsonrpc"

// Metrics implements jsonrpc.Observer and dispatch.Observer.
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	unmatched       prometheus.Counter
	protocolErrors  *prometheus.CounterVec
	pending         prometheus.Gauge
	handlerCalls    *prometheus.CounterVec
	handlerLatency  *prometheus.HistogramVec
	handlersRunning prometheus.Gauge
	connections     prometheus.Gauge
	connsRejected   prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages demultiplexed by the receive loop, by kind.",
		}, []string{"kind"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_responses_total",
			Help:      "Responses whose id matched no pending request.",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Frames that could not be parsed, by JSON-RPC error code.",
		}, []string{"code"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outgoing requests waiting for a response.",
		}),
		handlerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_calls_total",
			Help:      "Handler invocations by method and result code (0 = success).",
		}, []string{"method", "code"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		handlersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handlers_in_flight",
			Help:      "Handlers currently executing.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections currently served.",
		}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused by the per-client or global limit.",
		}),
	}
	m.registry.MustRegister(
		m.messages,
		m.unmatched,
		m.protocolErrors,
		m.pending,
		m.handlerCalls,
		m.handlerLatency,
		m.handlersRunning,
		m.connections,
		m.connsRejected,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(kind string) {
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) UnmatchedResponse() {
	m.unmatched.Inc()
}

func (m *Metrics) ProtocolError(code int) {
	m.protocolErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) PendingRequests(delta int) {
	m.pending.Add(float64(delta))
}

func (m *Metrics) HandlerStarted(string) {
	m.handlersRunning.Inc()
}

func (m *Metrics) HandlerFinished(method string, code int, elapsed time.Duration) {
	m.handlersRunning.Dec()
	m.handlerCalls.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.handlerLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) ConnectionRejected() { m.connsRejected.Inc() }
