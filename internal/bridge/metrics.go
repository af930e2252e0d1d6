package bridge

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "bridge"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of votes received from the network.
	VotesReceived metrics.Counter
	// Number of certificates received from the network.
	CertificatesReceived metrics.Counter
	// Number of votes sent to the network.
	VotesSent metrics.Counter
	// Number of certificates sent to the network.
	CertificatesSent metrics.Counter
	// Number of finalized certificates observed.
	Finalities metrics.Counter
	// Number of outbound messages that could not be sent.
	SendFailures metrics.Counter
	// Number of inbound messages the gadget rejected.
	ReceiveFailures metrics.Counter
	// Number of inbound messages dropped, by kind.
	Dropped metrics.Counter
	// Number of inbound messages waiting for the next tick.
	QueueSize metrics.Gauge
	// Whether the outbound circuit breaker is open (1) or not (0).
	BreakerOpen metrics.Gauge
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
		VotesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "votes_received",
			Help:      "Number of votes received from the network.",
		}, labels).With(labelsAndValues...),
		CertificatesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "certificates_received",
			Help:      "Number of certificates received from the network.",
		}, labels).With(labelsAndValues...),
		VotesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "votes_sent",
			Help:      "Number of votes sent to the network.",
		}, labels).With(labelsAndValues...),
		CertificatesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "certificates_sent",
			Help:      "Number of certificates sent to the network.",
		}, labels).With(labelsAndValues...),
		Finalities: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "finalities",
			Help:      "Number of finalized certificates observed.",
		}, labels).With(labelsAndValues...),
		SendFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "send_failures",
			Help:      "Number of outbound messages that could not be sent.",
		}, labels).With(labelsAndValues...),
		ReceiveFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "receive_failures",
			Help:      "Number of inbound messages the finality gadget rejected.",
		}, labels).With(labelsAndValues...),
		Dropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped",
			Help:      "Number of inbound messages dropped, by kind.",
		}, append(labels, "message_type")).With(labelsAndValues...),
		QueueSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_size",
			Help:      "Number of inbound messages waiting for the next tick.",
		}, labels).With(labelsAndValues...),
		BreakerOpen: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "breaker_open",
			Help:      "Whether the outbound circuit breaker is open (1) or not (0).",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		VotesReceived:        discard.NewCounter(),
		CertificatesReceived: discard.NewCounter(),
		VotesSent:            discard.NewCounter(),
		CertificatesSent:     discard.NewCounter(),
		Finalities:           discard.NewCounter(),
		SendFailures:         discard.NewCounter(),
		ReceiveFailures:      discard.NewCounter(),
		Dropped:              discard.NewCounter(),
		QueueSize:            discard.NewGauge(),
		BreakerOpen:          discard.NewGauge(),
	}
}
