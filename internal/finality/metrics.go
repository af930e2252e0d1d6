package finality

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "finality"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Last finalized checkpoint.
	LastFinalized metrics.Gauge
	// Distance between the highest certified and the last finalized
	// checkpoint.
	FinalityLag metrics.Gauge
	// Number of checkpoints still collecting votes.
	CollectingRounds metrics.Gauge

	// Number of votes counted towards a quorum.
	VotesAccepted metrics.Counter
	// Number of votes rejected by verification.
	VotesRejected metrics.Counter
	// Number of votes for already finalized checkpoints.
	StaleVotes metrics.Counter
	// Number of votes revealing equivocation.
	Equivocations metrics.Counter

	// Number of certificates formed from local votes.
	CertificatesFormed metrics.Counter
	// Number of certificates imported from peers.
	CertificatesImported metrics.Counter
	// Time between the first vote of a checkpoint and its quorum, in seconds.
	QuorumLatency metrics.Histogram
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
		LastFinalized: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "last_finalized",
			Help:      "Last finalized checkpoint.",
		}, labels).With(labelsAndValues...),
		FinalityLag: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "finality_lag",
			Help:      "Distance between the highest certified and the last finalized checkpoint.",
		}, labels).With(labelsAndValues...),
		CollectingRounds: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "collecting_rounds",
			Help:      "Number of checkpoints still collecting votes.",
		}, labels).With(labelsAndValues...),
		VotesAccepted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "votes_accepted",
			Help:      "Number of votes counted towards a quorum.",
		}, labels).With(labelsAndValues...),
		VotesRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "votes_rejected",
			Help:      "Number of votes rejected by verification.",
		}, labels).With(labelsAndValues...),
		StaleVotes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stale_votes",
			Help:      "Number of votes for already finalized checkpoints.",
		}, labels).With(labelsAndValues...),
		Equivocations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "equivocations",
			Help:      "Number of votes revealing equivocation.",
		}, labels).With(labelsAndValues...),
		CertificatesFormed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "certificates_formed",
			Help:      "Number of certificates formed from local votes.",
		}, labels).With(labelsAndValues...),
		CertificatesImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "certificates_imported",
			Help:      "Number of certificates imported from peers.",
		}, labels).With(labelsAndValues...),
		QuorumLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "quorum_latency",
			Help:      "Time between the first vote of a checkpoint and its quorum, in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		LastFinalized:        discard.NewGauge(),
		FinalityLag:          discard.NewGauge(),
		CollectingRounds:     discard.NewGauge(),
		VotesAccepted:        discard.NewCounter(),
		VotesRejected:        discard.NewCounter(),
		StaleVotes:           discard.NewCounter(),
		Equivocations:        discard.NewCounter(),
		CertificatesFormed:   discard.NewCounter(),
		CertificatesImported: discard.NewCounter(),
		QuorumLatency:        discard.NewHistogram(),
	}
}
