package replication

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "replication"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of updates handed to the channel.
	Published metrics.Counter
	// Number of updates the channel refused.
	PublishFailures metrics.Counter
	// Number of payloads received from the channel.
	Received metrics.Counter
	// Number of remote updates applied to the local filter.
	Applied metrics.Counter
	// Number of own updates echoed back by the channel and skipped.
	SelfEchoes metrics.Counter
	// Number of payloads dropped because they could not be decoded.
	DecodeFailures metrics.Counter
	// Number of updates dropped because they came from a replica with
	// different filter parameters.
	FingerprintMismatches metrics.Counter
	// Number of received payloads waiting to be applied.
	InboxDepth metrics.Gauge
	// Fraction of filter bits that are set.
	FillRatio metrics.Gauge
	// Estimated number of distinct keys in the filter.
	EstimatedKeys metrics.Gauge
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
		Published: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "published",
			Help:      "Number of updates handed to the channel.",
		}, labels).With(labelsAndValues...),
		PublishFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "publish_failures",
			Help:      "Number of updates the channel refused.",
		}, labels).With(labelsAndValues...),
		Received: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "received",
			Help:      "Number of payloads received from the channel.",
		}, labels).With(labelsAndValues...),
		Applied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "applied",
			Help:      "Number of remote updates applied to the local filter.",
		}, labels).With(labelsAndValues...),
		SelfEchoes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "self_echoes",
			Help:      "Number of own updates echoed back by the channel.",
		}, labels).With(labelsAndValues...),
		DecodeFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "decode_failures",
			Help:      "Number of malformed payloads dropped.",
		}, labels).With(labelsAndValues...),
		FingerprintMismatches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fingerprint_mismatches",
			Help:      "Number of updates dropped for mismatched filter parameters.",
		}, labels).With(labelsAndValues...),
		InboxDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "inbox_depth",
			Help:      "Number of received payloads waiting to be applied.",
		}, labels).With(labelsAndValues...),
		FillRatio: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fill_ratio",
			Help:      "Fraction of filter bits that are set.",
		}, labels).With(labelsAndValues...),
		EstimatedKeys: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "estimated_keys",
			Help:      "Estimated number of distinct keys in the filter.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Published:             discard.NewCounter(),
		PublishFailures:       discard.NewCounter(),
		Received:              discard.NewCounter(),
		Applied:               discard.NewCounter(),
		SelfEchoes:            discard.NewCounter(),
		DecodeFailures:        discard.NewCounter(),
		FingerprintMismatches: discard.NewCounter(),
		InboxDepth:            discard.NewGauge(),
		FillRatio:             discard.NewGauge(),
		EstimatedKeys:         discard.NewGauge(),
	}
}
