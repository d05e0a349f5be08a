package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "zagreus"

// Metrics holds the Prometheus collectors of the server.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	MessagesBroadcast prometheus.Counter
	SendFailures      prometheus.Counter
	ControllerEvents  *prometheus.CounterVec
}

// NewMetricsRegistry creates a registry with Go runtime and process collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// NewMetrics creates and registers the server metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of registered websocket connections.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "websocket",
			Name:      "messages_broadcast_total",
			Help:      "Total number of frames enqueued to websocket clients.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "websocket",
			Name:      "send_failures_total",
			Help:      "Total number of frames that could not be enqueued to a client.",
		}),
		ControllerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "controller",
			Name:      "events_total",
			Help:      "Total number of template events handled by the controller.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesBroadcast, m.SendFailures, m.ControllerEvents)
	return m
}

// MetricsHandler serves the metrics of reg.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
