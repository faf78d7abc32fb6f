// Package observe provides application-wide observability primitives for
// chatterhouse: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chatterhouse metrics.
const meterName = "github.com/MrWong99/chatterhouse"

// Frame outcomes reported on [Metrics.FramesReceived].
const (
	OutcomePlayed       = "played"
	OutcomeAcknowledged = "acknowledged"
	OutcomeStale        = "stale"
	OutcomeDuplicate    = "duplicate"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// SendDuration tracks how long one outbound payload spends between
	// leaving the outbox and being handed to every peer queue.
	SendDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts payloads handed to the transport. Use with attribute:
	//   attribute.String("kind", "start"|"stop"|"chime"|"buffer")
	FramesSent metric.Int64Counter

	// SendFailures counts payloads the transport could not deliver to any peer.
	SendFailures metric.Int64Counter

	// FramesReceived counts inbound audio frames by scheduler outcome. Use
	// with attribute: attribute.String("outcome", ...)
	FramesReceived metric.Int64Counter

	// MalformedFrames counts inbound payloads that failed to decode. Use with
	// attribute: attribute.String("reason", "malformed"|"unknown_tag")
	MalformedFrames metric.Int64Counter

	// Transitions counts session commands. Use with attributes:
	//   attribute.String("op", ...), attribute.String("result", ...)
	Transitions metric.Int64Counter

	// Chimes counts chimes played for remote control messages. Use with
	// attribute: attribute.String("kind", ...)
	Chimes metric.Int64Counter

	// ControlsDeferred counts control messages that missed the outbound
	// queue and were parked for the sender. Use with attribute:
	//   attribute.String("kind", ...)
	ControlsDeferred metric.Int64Counter

	// FramesDropped reports frames discarded by bounded queues. It is fed by
	// callbacks registered through [Metrics.RegisterDropSources].
	FramesDropped metric.Int64ObservableCounter

	// --- Gauges ---

	// ActivePeers tracks the number of connected mesh peers.
	ActivePeers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// send path, which should stay well below one frame duration.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.SendDuration, err = m.Float64Histogram("chatterhouse.send.duration",
		metric.WithDescription("Time to hand one payload to the peer transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("chatterhouse.frames.sent",
		metric.WithDescription("Payloads handed to the transport by kind."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("chatterhouse.send.failures",
		metric.WithDescription("Payloads no peer accepted."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("chatterhouse.frames.received",
		metric.WithDescription("Inbound audio frames by scheduler outcome."),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("chatterhouse.frames.malformed",
		metric.WithDescription("Inbound payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("chatterhouse.session.transitions",
		metric.WithDescription("Session commands by operation and result."),
	); err != nil {
		return nil, err
	}
	if met.Chimes, err = m.Int64Counter("chatterhouse.chimes",
		metric.WithDescription("Chimes played for remote control messages."),
	); err != nil {
		return nil, err
	}
	if met.ControlsDeferred, err = m.Int64Counter("chatterhouse.controls.deferred",
		metric.WithDescription("Control messages parked because the outbound queue was full."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64ObservableCounter("chatterhouse.frames.dropped",
		metric.WithDescription("Frames discarded by full queues, by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActivePeers, err = m.Int64UpDownCounter("chatterhouse.active_peers",
		metric.WithDescription("Number of connected mesh peers."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("chatterhouse.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RegisterDropSources reports each source's cumulative count on
// [Metrics.FramesDropped] under attribute stage=<key>. Unregister the
// returned registration on shutdown.
func (m *Metrics) RegisterDropSources(sources map[string]func() uint64) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for stage, fn := range sources {
			o.ObserveInt64(m.FramesDropped, int64(fn()),
				metric.WithAttributes(attribute.String("stage", stage)))
		}
		return nil
	}, m.FramesDropped)
}

// RecordSent records one payload handed to the transport.
func (m *Metrics) RecordSent(ctx context.Context, kind string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReceived records one inbound frame with its scheduler outcome.
func (m *Metrics) RecordReceived(ctx context.Context, outcome string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordMalformed records one inbound payload that failed to decode.
func (m *Metrics) RecordMalformed(ctx context.Context, reason string) {
	m.MalformedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition records one session command and its result.
func (m *Metrics) RecordTransition(ctx context.Context, op, result string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result),
		),
	)
}

// RecordChime records one chime.
func (m *Metrics) RecordChime(ctx context.Context, kind string) {
	m.Chimes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordControlDeferred records one control message parked for the sender.
func (m *Metrics) RecordControlDeferred(ctx context.Context, kind string) {
	m.ControlsDeferred.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
