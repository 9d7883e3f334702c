// Package metrics exposes Prometheus instrumentation for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts every accepted TCP connection.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hypertcp",
		Subsystem: "broker",
		Name:      "connections_total",
		Help:      "Total accepted TCP connections.",
	})

	// ConnectionsActive tracks live connections by class.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hypertcp",
		Subsystem: "broker",
		Name:      "connections_active",
		Help:      "Currently open connections by class (unauth/device/admin).",
	}, []string{"class"})

	// FramesReceived counts inbound frames by command name.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypertcp",
		Subsystem: "broker",
		Name:      "frames_received_total",
		Help:      "Inbound frames by command type.",
	}, []string{"type"})

	// DeliveriesTotal counts frames enqueued to recipients by delivery kind.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypertcp",
		Subsystem: "broker",
		Name:      "deliveries_total",
		Help:      "Frames enqueued for delivery by kind (direct/broadcast/admin_event).",
	}, []string{"kind"})

	// RoutingMisses counts direct messages whose target device was unknown.
	RoutingMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hypertcp",
		Subsystem: "broker",
		Name:      "routing_misses_total",
		Help:      "Direct messages dropped because the target device was not registered.",
	})

	// AuthFailures counts rejected login attempts.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hypertcp",
		Subsystem: "broker",
		Name:      "auth_failures_total",
		Help:      "Login attempts rejected by the classifier.",
	})
)

// Delivery kinds.
const (
	DeliveryDirect     = "direct"
	DeliveryBroadcast  = "broadcast"
	DeliveryAdminEvent = "admin_event"
)

// Connection classes.
const (
	ClassUnauth = "unauth"
	ClassDevice = "device"
	ClassAdmin  = "admin"
)
