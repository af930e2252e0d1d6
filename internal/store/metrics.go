package store

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "store"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of records waiting to be flushed.
	PendingWrites metrics.Gauge
	// Number of records written to disk.
	RecordsWritten metrics.Counter
	// Number of failed flushes.
	FlushFailures metrics.Counter
	// Time spent flushing, in seconds.
	FlushDuration metrics.Histogram
	// 1 if persistence is degraded, 0 otherwise.
	Degraded metrics.Gauge
	// Number of votes and certificates pruned.
	Pruned metrics.Counter
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
		PendingWrites: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_writes",
			Help:      "Number of records waiting to be flushed.",
		}, labels).With(labelsAndValues...),
		RecordsWritten: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "records_written",
			Help:      "Number of records written to disk.",
		}, labels).With(labelsAndValues...),
		FlushFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "flush_failures",
			Help:      "Number of failed flushes.",
		}, labels).With(labelsAndValues...),
		FlushDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing, in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 4, 8),
		}, labels).With(labelsAndValues...),
		Degraded: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "degraded",
			Help:      "1 if repeated flush failures put persistence in degraded mode.",
		}, labels).With(labelsAndValues...),
		Pruned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pruned",
			Help:      "Number of votes and certificates pruned.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		PendingWrites:  discard.NewGauge(),
		RecordsWritten: discard.NewCounter(),
		FlushFailures:  discard.NewCounter(),
		FlushDuration:  discard.NewHistogram(),
		Degraded:       discard.NewGauge(),
		Pruned:         discard.NewCounter(),
	}
}
