package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signaling metrics for the channel manager and call orchestrator
var (
	// Transport metrics
	SignalingMessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_sent_total",
		Help: "Total number of signaling messages published, by type and result",
	}, []string{"type", "status"})

	SignalingMessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_received_total",
		Help: "Total number of signaling messages received on the local inbox",
	}, []string{"type"})

	SignalingMessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_dropped_total",
		Help: "Total number of inbound signaling payloads discarded",
	}, []string{"reason"})

	// Handshake metrics
	SignalingHandshakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_handshake_total",
		Help: "Total number of subscribe handshakes, by result",
	}, []string{"result"}) // "success", "timeout", "error"

	SignalingHandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signaling_handshake_duration_seconds",
		Help:    "Time taken for a subscribe handshake to confirm",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	SignalingOutboundChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_outbound_channels",
		Help: "Current number of cached outbound channel handles",
	})

	// Call lifecycle metrics
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_total",
		Help: "Total number of calls initiated",
	}, []string{"call_type"})

	CallsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_terminal_total",
		Help: "Total number of calls reaching a terminal status",
	}, []string{"status"})

	CallsLocalActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calls_local_active",
		Help: "Current number of calls with local negotiation state",
	})
)
