// Package metrics exposes Prometheus collectors for flow operations and sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/nftauth/gateway/flow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nftauth"

type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeFlows       prometheus.Gauge
	flowsCreated      prometheus.Counter
	flowsEvicted      prometheus.Counter
}

var _ flow.Metrics = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "operations_total",
			Help:      "Flow operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "operation_duration_seconds",
			Help:      "Duration of flow operations including wallet and backend calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active_flows",
			Help:      "Flows currently held by the gateway.",
		}),
		flowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "flows_created_total",
			Help:      "Flows started.",
		}),
		flowsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "flows_evicted_total",
			Help:      "Flows dropped because they expired or the session limit was reached.",
		}),
	}

	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.activeFlows,
		m.flowsCreated,
		m.flowsEvicted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveOperation(op flow.Operation, outcome string, duration time.Duration) {
	m.operations.WithLabelValues(string(op), outcome).Inc()
	m.operationDuration.WithLabelValues(string(op)).Observe(duration.Seconds())
}

func (m *Metrics) FlowCreated() {
	m.flowsCreated.Inc()
	m.activeFlows.Inc()
}

func (m *Metrics) FlowClosed(evicted bool) {
	m.activeFlows.Dec()
	if evicted {
		m.flowsEvicted.Inc()
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
