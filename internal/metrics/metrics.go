// Package metrics provides Prometheus instrumentation for ctrlproxy.
package metrics

import (
	"net/http"

	"github.com/jelmer/ctrlproxy/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctrlproxy"

// Metrics holds all Prometheus metrics for ctrlproxy
type Metrics struct {
	registry *prometheus.Registry

	// Line metrics
	Lines *prometheus.CounterVec

	// Network metrics
	NetworkReady *prometheus.GaugeVec
	Connects     *prometheus.CounterVec
	Disconnects  *prometheus.CounterVec

	// Client metrics
	AttachedClients *prometheus.GaugeVec

	// Linestack metrics
	LinestackInserts *prometheus.CounterVec
}

// New creates the metrics on a registry of their own
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Lines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lines_total",
				Help:      "Lines passed between networks and clients",
			},
			[]string{"network", "direction"},
		),
		NetworkReady: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "network_ready",
				Help:      "Whether a network has completed login",
			},
			[]string{"network"},
		),
		Connects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "network_connects_total",
				Help:      "Completed logins per network",
			},
			[]string{"network"},
		),
		Disconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "network_disconnects_total",
				Help:      "Lost connections per network",
			},
			[]string{"network"},
		),
		AttachedClients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "attached_clients",
				Help:      "Clients attached per network",
			},
			[]string{"network"},
		),
		LinestackInserts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "linestack_inserts_total",
				Help:      "Lines offered to the linestack by outcome",
			},
			[]string{"network", "result"},
		),
	}
}

// Subscribe counts every event after all other hooks had their say
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe("*", events.PriorityLowest, m)
}

// OnEvent implements events.Subscriber. It never stops an event.
func (m *Metrics) OnEvent(e *events.Event) bool {
	switch e.Type {
	case events.EventServerLine:
		m.Lines.WithLabelValues(e.Network, "in").Inc()
	case events.EventClientLine:
		m.Lines.WithLabelValues(e.Network, "out").Inc()
	case events.EventNetworkReady:
		m.NetworkReady.WithLabelValues(e.Network).Set(1)
		m.Connects.WithLabelValues(e.Network).Inc()
	case events.EventNetworkDown:
		m.NetworkReady.WithLabelValues(e.Network).Set(0)
		m.Disconnects.WithLabelValues(e.Network).Inc()
	case events.EventClientAttached:
		m.AttachedClients.WithLabelValues(e.Network).Inc()
	case events.EventClientDetached:
		m.AttachedClients.WithLabelValues(e.Network).Dec()
	}
	return true
}

// ObserveInsert records the outcome of a linestack insert
func (m *Metrics) ObserveInsert(network string, stored bool, err error) {
	result := "skipped"
	switch {
	case err != nil:
		result = "error"
	case stored:
		result = "stored"
	}
	m.LinestackInserts.WithLabelValues(network, result).Inc()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
