package relay

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "relay"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of messages forwarded to at least the fan-out stage.
	Forwarded metrics.Counter
	// Number of messages dropped because they were seen before.
	DuplicateDropped metrics.Counter
	// Number of messages dropped because their sender is not authorized.
	UnauthorizedDropped metrics.Counter
	// Number of messages dropped because their signature does not match the
	// sender's known public key.
	ForgedDropped metrics.Counter
	// Number of relayed copies dropped because a peer's send queue was full.
	BufferFullDropped metrics.Counter
	// Number of bytes relayed to a given peer.
	PeerRelayBytesTotal metrics.Counter
	// Number of relayed sends that failed or timed out.
	SendFailures metrics.Counter
	// Number of digests in the seen-set.
	SeenSetSize metrics.Gauge
	// Number of validators authorized by directors.
	AuthorizedValidators metrics.Gauge
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
		Forwarded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "forwarded",
			Help:      "Number of messages forwarded.",
		}, labels).With(labelsAndValues...),
		DuplicateDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "duplicate_dropped",
			Help:      "Number of messages dropped because they were seen before.",
		}, labels).With(labelsAndValues...),
		UnauthorizedDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "unauthorized_dropped",
			Help:      "Number of messages dropped because their sender is not authorized.",
		}, labels).With(labelsAndValues...),
		ForgedDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "forged_dropped",
			Help:      "Number of messages dropped for an invalid sender signature.",
		}, labels).With(labelsAndValues...),
		BufferFullDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "buffer_full_dropped",
			Help:      "Number of relayed copies dropped because the peer's send queue was full.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		PeerRelayBytesTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_relay_bytes_total",
			Help:      "Number of bytes relayed to a given peer.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		SendFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "send_failures",
			Help:      "Number of relayed sends that failed or timed out.",
		}, append(labels, "peer_id")).With(labelsAndValues...),
		SeenSetSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "seen_set_size",
			Help:      "Number of message digests remembered for duplicate suppression.",
		}, labels).With(labelsAndValues...),
		AuthorizedValidators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "authorized_validators",
			Help:      "Number of validators authorized by directors.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Forwarded:            discard.NewCounter(),
		DuplicateDropped:     discard.NewCounter(),
		UnauthorizedDropped:  discard.NewCounter(),
		ForgedDropped:        discard.NewCounter(),
		BufferFullDropped:    discard.NewCounter(),
		PeerRelayBytesTotal:  discard.NewCounter(),
		SendFailures:         discard.NewCounter(),
		SeenSetSize:          discard.NewGauge(),
		AuthorizedValidators: discard.NewGauge(),
	}
}
