package slashing

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "slashing"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of first-seen votes held by the detector.
	VotesTracked metrics.Gauge
	// Number of slashing evidence emitted.
	EvidenceEmitted metrics.Counter
	// Number of conflicting votes for which evidence already existed.
	RepeatedConflicts metrics.Counter
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
		VotesTracked: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "votes_tracked",
			Help:      "Number of first-seen votes held by the detector.",
		}, labels).With(labelsAndValues...),
		EvidenceEmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "evidence_emitted",
			Help:      "Number of slashing evidence emitted.",
		}, labels).With(labelsAndValues...),
		RepeatedConflicts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "repeated_conflicts",
			Help:      "Number of conflicting votes for an offender and checkpoint already reported.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		VotesTracked:      discard.NewGauge(),
		EvidenceEmitted:   discard.NewCounter(),
		RepeatedConflicts: discard.NewCounter(),
	}
}
