// Package metrics exposes chat gateway counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	DropUnauthenticated = "unauthenticated"
	DropUnknownEvent    = "unknown_event"
	DropInvalidPayload  = "invalid_payload"
	DropUnknownUser     = "unknown_recipient"
	DropRateLimited     = "rate_limited"
	DropNotMember       = "not_room_member"
	DropSlowConsumer    = "slow_consumer"
)

// Message kinds
const (
	KindPrivate   = "private"
	KindBroadcast = "broadcast"
	KindTyping    = "typing"
)

// Collector owns its own registry so several instances can coexist in tests.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry      *prometheus.Registry
	onlineUsers   prometheus.Gauge
	connections   prometheus.Gauge
	presenceSends prometheus.Counter
	messages      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "campuschat",
			Name:      "online_users",
			Help:      "Identities holding at least one live connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "campuschat",
			Name:      "connections",
			Help:      "Registered live connections.",
		}),
		presenceSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "campuschat",
			Name:      "presence_broadcasts_total",
			Help:      "Presence snapshots broadcast to all connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campuschat",
			Name:      "messages_total",
			Help:      "Chat events routed, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campuschat",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped without a response, by reason.",
		}, []string{"reason"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campuschat",
			Name:      "store_errors_total",
			Help:      "Failed message store operations, by operation.",
		}, []string{"op"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.onlineUsers,
		c.connections,
		c.presenceSends,
		c.messages,
		c.dropped,
		c.storeErrors,
	)
	return c
}

// SetPresence records the registry's current size.
func (c *Collector) SetPresence(onlineUsers, connections int) {
	if c == nil {
		return
	}
	c.onlineUsers.Set(float64(onlineUsers))
	c.connections.Set(float64(connections))
}

func (c *Collector) PresenceBroadcast() {
	if c == nil {
		return
	}
	c.presenceSends.Inc()
}

func (c *Collector) MessageRouted(kind string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(kind).Inc()
}

func (c *Collector) EventDropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) StoreError(op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(op).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
