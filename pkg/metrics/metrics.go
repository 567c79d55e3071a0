// Package metrics exposes the relay's Prometheus collectors: webhook
// dispositions on the ingress path and connection accounting on the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the relay's collectors around a private registry so that
// multiple instances (tests in particular) never collide.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksReceived  prometheus.Counter
	WebhooksDelivered prometheus.Counter
	WebhooksDropped   *prometheus.CounterVec
	WebhooksRejected  *prometheus.CounterVec
	MessagesSent      prometheus.Counter
	ActiveConnections prometheus.Gauge
	Displacements     prometheus.Counter
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WebhooksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_webhooks_received_total",
			Help: "Webhook deliveries received on the ingress endpoint.",
		}),
		WebhooksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_webhooks_delivered_total",
			Help: "Webhook events enqueued to a subscribed session.",
		}),
		WebhooksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhooks_dropped_total",
			Help: "Webhook events dropped, by reason.",
		}, []string{"reason"}),
		WebhooksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhooks_rejected_total",
			Help: "Webhook deliveries rejected, by reason.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "WebSocket frames written to clients.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Currently registered WebSocket sessions.",
		}),
		Displacements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_displacements_total",
			Help: "Sessions superseded by a newer connection for the same instance.",
		}),
	}
	reg.MustRegister(
		m.WebhooksReceived,
		m.WebhooksDelivered,
		m.WebhooksDropped,
		m.WebhooksRejected,
		m.MessagesSent,
		m.ActiveConnections,
		m.Displacements,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
