// Package obs holds the relay's Prometheus metrics.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients   = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerrelay_connected_clients", Help: "Live WebSocket connections"})
	WaitingPeers       = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerrelay_waiting_peers", Help: "Connections waiting for a peer"})
	ActivePairs        = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerrelay_active_pairs", Help: "Current 1:1 pairings"})
	MatchesTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "peerrelay_matches_total", Help: "Pairings created"})
	SearchTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "peerrelay_search_timeout_total", Help: "Waiters removed by the idle-wait timeout"})
	RelayedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerrelay_relayed_messages_total", Help: "Signaling messages forwarded to a partner"}, []string{"type"})
	UnroutedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerrelay_unrouted_messages_total", Help: "Signaling messages dropped for lack of a partner"}, []string{"type"})
	RejectedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerrelay_rejected_messages_total", Help: "Inbound messages rejected at the boundary"}, []string{"reason"})
	DroppedPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerrelay_dropped_pushes_total", Help: "Outbound pushes that were not delivered"}, []string{"reason"})
	SessionSeconds     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "peerrelay_connection_duration_seconds", Help: "WebSocket connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.5, 2, 14)})
)
