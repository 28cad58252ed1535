// Package observe holds the OpenTelemetry instruments for the realtime voice
// pipeline and the provider setup that bridges them to Prometheus.
//
// Components receive a *Metrics explicitly. Tests build one on a
// ManualReader through NewMetrics; code paths that do not care use Discard.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/xpanvictor/xarvis-realtime"

// Metrics holds all OpenTelemetry metric instruments for the service.
type Metrics struct {
	// --- Latency histograms ---

	PipelineDuration metric.Float64Histogram
	STTDuration      metric.Float64Histogram
	LLMDuration      metric.Float64Histogram
	TTSDuration      metric.Float64Histogram

	// --- Counters ---

	// PipelineResults counts finished pipeline runs. Attribute:
	//   attribute.String("status", "success"|"failure"|"timeout"|"cancelled")
	PipelineResults metric.Int64Counter

	// ConnectionsRejected counts connections refused at capacity.
	ConnectionsRejected metric.Int64Counter

	// VADTransitions counts speech boundaries. Attribute:
	//   attribute.String("kind", "started"|"stopped")
	VADTransitions metric.Int64Counter

	// RecoveryOutcomes counts finished recovery loops. Attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	RecoveryOutcomes metric.Int64Counter

	// BufferEvictions counts audio chunks dropped by ring eviction.
	BufferEvictions metric.Int64Counter

	// --- Gauges ---

	ActiveConnections metric.Int64UpDownCounter
}

// voice turn latencies, in seconds
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PipelineDuration, err = m.Float64Histogram("xarvis.pipeline.duration",
		metric.WithDescription("End-to-end latency of one voice turn (STT, LLM, TTS)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("xarvis.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("xarvis.llm.duration",
		metric.WithDescription("Latency of response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("xarvis.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.PipelineResults, err = m.Int64Counter("xarvis.pipeline.results",
		metric.WithDescription("Finished pipeline runs by status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionsRejected, err = m.Int64Counter("xarvis.connections.rejected",
		metric.WithDescription("Connections refused because the pool was full."),
	); err != nil {
		return nil, err
	}
	if met.VADTransitions, err = m.Int64Counter("xarvis.vad.transitions",
		metric.WithDescription("Speech start/stop transitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.RecoveryOutcomes, err = m.Int64Counter("xarvis.recovery.outcomes",
		metric.WithDescription("Finished recovery loops by error kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BufferEvictions, err = m.Int64Counter("xarvis.buffer.evictions",
		metric.WithDescription("Audio chunks dropped by ring eviction."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("xarvis.connections.active",
		metric.WithDescription("Number of registered websocket sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Discard returns instruments backed by a no-op provider.
func Discard() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// the noop provider never fails
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

func (m *Metrics) RecordPipelineResult(ctx context.Context, status string, seconds float64) {
	m.PipelineResults.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != "cancelled" {
		m.PipelineDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *Metrics) RecordVADTransition(ctx context.Context, kind string) {
	m.VADTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordRecovery(ctx context.Context, kind, outcome string) {
	m.RecoveryOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

func (m *Metrics) RecordEvictions(ctx context.Context, n int) {
	m.BufferEvictions.Add(ctx, int64(n))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) ConnectionRejected(ctx context.Context) {
	m.ConnectionsRejected.Add(ctx, 1)
}
