package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ws_bridge"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// BridgeMetrics holds the counters for both directions of the bridge.
type BridgeMetrics struct {
	ActiveConnections      prometheus.Gauge
	ClientMessagesReceived prometheus.Counter
	MessagesPublished      prometheus.Counter
	PublishFailures        prometheus.Counter
	BrokerMessagesReceived prometheus.Counter
	MalformedFrames        prometheus.Counter
	BroadcastDeliveries    prometheus.Counter
	BroadcastSendFailures  prometheus.Counter
}

// NewBridgeMetrics creates and registers bridge metrics on the given registry.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of connected WebSocket clients.",
		}),
		ClientMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Total number of text frames received from WebSocket clients.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Total number of frames published to the broker topic.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_failures_total",
			Help:      "Total number of client messages that could not be published.",
		}),
		BrokerMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_received_total",
			Help:      "Total number of frames received on the broker subscription.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "malformed_frames_total",
			Help:      "Total number of broker frames dropped as malformed.",
		}),
		BroadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Total number of payloads accepted by client send queues.",
		}),
		BroadcastSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Total number of broadcast sends that failed and removed a client.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ClientMessagesReceived,
		m.MessagesPublished,
		m.PublishFailures,
		m.BrokerMessagesReceived,
		m.MalformedFrames,
		m.BroadcastDeliveries,
		m.BroadcastSendFailures,
	)
	return m
}
