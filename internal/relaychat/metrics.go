package relaychat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_frames_total",
			Help: "Inbound push frames by origin channel and dedup verdict",
		},
		[]string{"channel", "verdict"},
	)

	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_reconnects_total",
			Help: "Push transport reconnect attempts",
		},
	)

	ConnectionStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaychat_connection_state",
			Help: "1 for the current push transport phase, 0 otherwise",
		},
		[]string{"phase"},
	)

	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_unread_total",
			Help: "Unread notifications across all chats",
		},
	)

	HistoryFetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_history_fetch_failures_total",
			Help: "History fetches that exhausted their retries",
		},
		[]string{"op"},
	)

	NotificationSyncFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_notification_sync_failures_total",
			Help: "Failed notification polls and mark-read confirmations",
		},
		[]string{"op"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_persistence_failures_total",
			Help: "Failed durable cache reads and writes",
		},
		[]string{"op"},
	)

	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_outbox_depth",
			Help: "Publishes waiting for the push transport",
		},
	)
)

// SetConnectionPhase marks phase as the current connection phase.
func SetConnectionPhase(phase Phase) {
	for _, p := range []Phase{PhaseIdle, PhaseConnecting, PhaseConnected, PhaseDisconnected} {
		value := 0.0
		if p == phase {
			value = 1
		}
		ConnectionStateGauge.WithLabelValues(string(p)).Set(value)
	}
}
