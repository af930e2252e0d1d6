package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "p2p"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connected peers.
	PeersConnected metrics.Gauge
	// Number of bytes received from a given peer.
	PeerReceiveBytesTotal metrics.Counter
	// Number of bytes sent to a given peer.
	PeerSendBytesTotal metrics.Counter
	// Number of messages dropped because a peer's send queue was full.
	SendDropped metrics.Counter
	// Number of failed dial attempts.
	DialFailures metrics.Counter
	// Number of persistent peers marked unreachable.
	PeersUnreachable metrics.Gauge
	// Number of peers evicted for silence.
	PeersEvicted metrics.Counter
	// Number of connections dropped for protocol violations.
	ProtocolErrors metrics.Counter
	// Number of peers isolated for a poor reputation.
	PeersIsolated metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		PeersConnected: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_connected",
			Help:      "Number of connected peers.",
		}, labels).With(labelsAndValues...),
		PeerReceiveBytesTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_receive_bytes_total",
			Help:      "Number of bytes received from a given peer.",
		}, append(labels, "peer_id", "message_type")).With(labelsAndValues...),
		PeerSendBytesTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_send_bytes_total",
			Help:      "Number of bytes sent to a given peer.",
		}, append(labels, "peer_id", "message_type")).With(labelsAndValues...),
		SendDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "send_dropped",
			Help:      "Number of messages dropped because a peer's send queue was full.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		DialFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dial_failures",
			Help:      "Number of failed dial attempts.",
		}, labels).With(labelsAndValues...),
		PeersUnreachable: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_unreachable",
			Help:      "Number of persistent peers that exhausted their dial attempts.",
		}, labels).With(labelsAndValues...),
		PeersEvicted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_evicted",
			Help:      "Number of peers evicted after exceeding the peer timeout.",
		}, labels).With(labelsAndValues...),
		ProtocolErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "protocol_errors",
			Help:      "Number of connections dropped for protocol violations.",
		}, labels).With(labelsAndValues...),
		PeersIsolated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_isolated",
			Help:      "Number of peers disconnected and refused for a poor reputation.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		PeersConnected:        discard.NewGauge(),
		PeerReceiveBytesTotal: discard.NewCounter(),
		PeerSendBytesTotal:    discard.NewCounter(),
		SendDropped:           discard.NewCounter(),
		DialFailures:          discard.NewCounter(),
		PeersUnreachable:      discard.NewGauge(),
		PeersEvicted:          discard.NewCounter(),
		ProtocolErrors:        discard.NewCounter(),
		PeersIsolated:         discard.NewCounter(),
	}
}
