package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons recorded on the dropped messages counter.
const (
	dropRateLimited  = "rate_limited"
	dropInvalid      = "invalid"
	dropIncompatible = "incompatible_version"
	dropOversized    = "oversized"
	dropNotConnected = "not_connected"
	dropSendFailed   = "send_failed"
	dropAbandoned    = "abandoned"
	dropDispatchFull = "dispatch_full"
)

type protocolMetrics struct {
	received       *prometheus.CounterVec
	sent           *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	handlerErrors  prometheus.Counter
	connectedPeers prometheus.Gauge
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
}

func newProtocolMetrics(reg prometheus.Registerer) *protocolMetrics {
	m := &protocolMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paraloom_messages_received_total",
			Help: "Messages accepted from peers by kind",
		}, []string{"kind"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paraloom_messages_sent_total",
			Help: "Messages delivered to peers by kind and route",
		}, []string{"kind", "route"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paraloom_messages_dropped_total",
			Help: "Inbound or outbound messages that were discarded",
		}, []string{"reason"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paraloom_handler_errors_total",
			Help: "Errors returned by the message handler",
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paraloom_connected_peers",
			Help: "Peers with at least one open connection",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paraloom_bytes_sent_total",
			Help: "Encoded message bytes written",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paraloom_bytes_received_total",
			Help: "Encoded message bytes read",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.received, m.sent, m.dropped, m.handlerErrors, m.connectedPeers, m.bytesSent, m.bytesReceived)
	}

	return m
}
