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
	// Number of open client connections.
	Connections metrics.Gauge
	// Number of DELIVER frames fanned out.
	FramesRelayed metrics.Counter
	// Number of payloads carried by relayed frames.
	PayloadsRelayed metrics.Counter
	// Number of frames dropped because a client's send queue was full.
	SlowConsumerDrops metrics.Counter
	// Number of subscriptions or publications refused because of a
	// fingerprint mismatch.
	HandshakeRejections metrics.Counter
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
		Connections: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections",
			Help:      "Number of open client connections.",
		}, labels).With(labelsAndValues...),
		FramesRelayed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "frames_relayed",
			Help:      "Number of frames fanned out to subscribers.",
		}, labels).With(labelsAndValues...),
		PayloadsRelayed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "payloads_relayed",
			Help:      "Number of payloads carried by relayed frames.",
		}, labels).With(labelsAndValues...),
		SlowConsumerDrops: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "slow_consumer_drops",
			Help:      "Number of frames dropped for clients that fell behind.",
		}, labels).With(labelsAndValues...),
		HandshakeRejections: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "handshake_rejections",
			Help:      "Number of requests refused for mismatched filter parameters.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Connections:         discard.NewGauge(),
		FramesRelayed:       discard.NewCounter(),
		PayloadsRelayed:     discard.NewCounter(),
		SlowConsumerDrops:   discard.NewCounter(),
		HandshakeRejections: discard.NewCounter(),
	}
}
