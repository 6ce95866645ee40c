// Package metrics exposes the Prometheus instruments of the realtime server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "combat_tracker_connections_active",
			Help: "Current number of open websocket connections",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combat_tracker_events_total",
			Help: "Wire events handled, by type and direction",
		},
		[]string{"type", "direction"}, // direction: "in", "out"
	)

	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "combat_tracker_dropped_clients_total",
			Help: "Connections dropped because their outbox was full",
		},
	)

	JoinErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combat_tracker_join_errors_total",
			Help: "Rejected join-campaign requests by error code",
		},
		[]string{"code"},
	)

	DMTakeovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "combat_tracker_dm_takeovers_total",
			Help: "Stale DM sessions evicted by a new DM connection",
		},
	)

	DMGraceExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "combat_tracker_dm_grace_expirations_total",
			Help: "DM sessions removed after the disconnect grace period elapsed",
		},
	)

	StaleMutations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "combat_tracker_stale_mutations_total",
			Help: "DM-only mutations ignored because the sender is not the live DM",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combat_tracker_store_errors_total",
			Help: "Failed persistence store calls by operation",
		},
		[]string{"operation"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "combat_tracker_store_breaker_state",
			Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// UnknownType labels inbound events whose type has no handler.
const UnknownType = "unknown"

func EventIn(t string)  { EventsTotal.WithLabelValues(t, "in").Inc() }
func EventOut(t string) { EventsTotal.WithLabelValues(t, "out").Inc() }
