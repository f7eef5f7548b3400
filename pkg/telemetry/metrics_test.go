package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordDirectiveMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	RecordDirectiveMetrics(ctx, DirectiveMetrics{
		TableDigest: "abc",
		Directive:   "cache.items",
		Kind:        "cache",
		Handler:     "cache",
		Outcome:     "failed",
		Duration:    150 * time.Millisecond,
		Retries:     1,
		TimedOut:    true,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sumExec, ok := metrics["directived.directive.executions_total"]
	if !ok {
		t.Fatalf("missing executions metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 || execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single execution, got %+v", execData.DataPoints)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("directive.kind")); !ok || value.AsString() != "cache" {
		t.Fatalf("expected directive.kind attribute to be cache, got %v", value)
	}

	for _, name := range []string{"directived.directive.retries_total", "directived.directive.timeout_total"} {
		m, ok := metrics[name]
		if !ok {
			t.Fatalf("missing %s metric", name)
		}
		if data := m.Data.(metricdata.Sum[int64]); data.DataPoints[0].Value != 1 {
			t.Fatalf("%s = %d, want 1", name, data.DataPoints[0].Value)
		}
	}

	hist, ok := metrics["directived.directive.duration_ms"]
	if !ok {
		t.Fatalf("missing duration metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 || histData.DataPoints[0].Sum != 150 {
		t.Fatalf("unexpected histogram %+v", histData.DataPoints[0])
	}
}

func TestRecordAuthDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "pipeline.directive")
	RecordAuthDecision(span, "jwt", false, "", "token expired")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "auth.decision" {
		t.Fatalf("unexpected events %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("auth.allowed")); !ok || value.AsBool() {
		t.Fatalf("expected auth.allowed attribute false")
	}
	if _, ok := attrs.Value(attribute.Key("auth.subject")); ok {
		t.Fatalf("empty subject must not be recorded")
	}
	if value, ok := attrs.Value(attribute.Key("auth.reason")); !ok || value.AsString() != "token expired" {
		t.Fatalf("expected auth.reason, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
