// Package metrics exposes the gateway's Prometheus counters and gauges,
// replacing the teacher's hand-formatted /metrics text handler with a real
// registry (grounded on the prometheus/client_golang dependency carried by
// Sirpyerre-99minutos-shipping-api's go.mod).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the gateway emits behind a single
// constructor so call sites don't reach for prometheus.MustRegister
// piecemeal.
type Registry struct {
	ConnectionsActive  prometheus.Gauge
	AuthTotal          prometheus.Counter
	BroadcastsTotal    prometheus.Counter
	HeartbeatEvictions *prometheus.CounterVec
	VerifyEvictions    *prometheus.CounterVec
	PresenceErrors     *prometheus.CounterVec
	RateLimitRejected  prometheus.Counter
	AdminUnauthorized  prometheus.Counter
}

// New constructs and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence_gateway",
			Name:      "connections_active",
			Help:      "Number of sockets currently in the connection registry.",
		}),
		AuthTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "auth_total",
			Help:      "Total number of successfully processed auth frames.",
		}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast fan-outs performed.",
		}),
		HeartbeatEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "heartbeat_evictions_total",
			Help:      "Sockets evicted by the heartbeat loop, by reason.",
		}, []string{"reason"}),
		VerifyEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "verify_evictions_total",
			Help:      "Sockets evicted by the verification loop, by reason.",
		}, []string{"reason"}),
		PresenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "presence_store_errors_total",
			Help:      "Presence store call failures, by operation.",
		}, []string{"operation"}),
		RateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "rate_limit_rejected_total",
			Help:      "Admin HTTP requests rejected by the rate limiter.",
		}),
		AdminUnauthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence_gateway",
			Name:      "admin_unauthorized_total",
			Help:      "Admin HTTP requests rejected for a missing or wrong x-admin-key.",
		}),
	}
}

// NewForTest builds a Registry backed by a throwaway prometheus.Registry, so
// unit tests can assert on metric values without colliding with the global
// default registerer.
func NewForTest() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(reg), reg
}
