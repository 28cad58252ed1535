package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: data is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestPipelineResultRecording(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPipelineResult(ctx, "success", 1.2)
	m.RecordPipelineResult(ctx, "success", 0.8)
	m.RecordPipelineResult(ctx, "cancelled", 0.1)

	rm := collect(t, reader)
	results := findMetric(rm, "xarvis.pipeline.results")
	if results == nil {
		t.Fatal("xarvis.pipeline.results not found")
	}
	if got := sumFor(t, results, "status", "success"); got != 2 {
		t.Errorf("success count = %d, want 2", got)
	}
	if got := sumFor(t, results, "status", "cancelled"); got != 1 {
		t.Errorf("cancelled count = %d, want 1", got)
	}

	dur := findMetric(rm, "xarvis.pipeline.duration")
	if dur == nil {
		t.Fatal("xarvis.pipeline.duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("duration observations = %d, want 2 (cancelled runs excluded)", count)
	}
}

func TestConnectionGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ConnectionOpened(ctx)
	m.ConnectionOpened(ctx)
	m.ConnectionClosed(ctx)
	m.ConnectionRejected(ctx)

	rm := collect(t, reader)
	if got := sumFor(t, findMetric(rm, "xarvis.connections.active"), "", ""); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
	if got := sumFor(t, findMetric(rm, "xarvis.connections.rejected"), "", ""); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVADTransition(ctx, "started")
	m.RecordVADTransition(ctx, "stopped")
	m.RecordVADTransition(ctx, "started")
	m.RecordRecovery(ctx, "timeout", "recovered")
	m.RecordEvictions(ctx, 5)

	rm := collect(t, reader)
	if got := sumFor(t, findMetric(rm, "xarvis.vad.transitions"), "kind", "started"); got != 2 {
		t.Errorf("started = %d, want 2", got)
	}
	if got := sumFor(t, findMetric(rm, "xarvis.recovery.outcomes"), "outcome", "recovered"); got != 1 {
		t.Errorf("recovered = %d, want 1", got)
	}
	if got := sumFor(t, findMetric(rm, "xarvis.buffer.evictions"), "", ""); got != 5 {
		t.Errorf("evictions = %d, want 5", got)
	}
}

func TestDiscardIsUsable(t *testing.T) {
	m := Discard()
	ctx := context.Background()
	m.RecordPipelineResult(ctx, "failure", 1)
	m.ConnectionOpened(ctx)
	m.STTDuration.Record(ctx, 0.2)
}

func TestEndSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ctx, span := StartSpan(context.Background(), "pipeline.stt")
	if TraceID(ctx) == "" {
		t.Error("expected trace id in context")
	}
	EndSpan(span, errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status().Code)
	}
	if TraceID(context.Background()) != "" {
		t.Error("expected empty trace id without span")
	}
}
