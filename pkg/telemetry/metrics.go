package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	directiveCounter       metric.Int64Counter
	directiveRetryCounter  metric.Int64Counter
	directiveTimeoutCount  metric.Int64Counter
	directiveLatencyMillis metric.Float64Histogram
)

// DirectiveMetrics captures one directive execution.
type DirectiveMetrics struct {
	TableDigest string
	Directive   string
	Kind        string
	Handler     string
	Outcome     string
	Duration    time.Duration
	Retries     int
	TimedOut    bool
}

// RecordDirectiveMetrics emits counters and a latency histogram for one
// directive execution.
func RecordDirectiveMetrics(ctx context.Context, m DirectiveMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("table.digest", m.TableDigest),
		attribute.String("directive.id", m.Directive),
		attribute.String("directive.kind", m.Kind),
		attribute.String("directive.handler", m.Handler),
		attribute.String("directive.outcome", m.Outcome),
	)

	directiveCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		directiveLatencyMillis.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Retries > 0 {
		directiveRetryCounter.Add(ctx, int64(m.Retries), attrs)
	}
	if m.TimedOut {
		directiveTimeoutCount.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("directived.pipeline")

		directiveCounter, metricsInitErr = meter.Int64Counter(
			"directived.directive.executions_total",
			metric.WithDescription("Directive executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		directiveRetryCounter, metricsInitErr = meter.Int64Counter(
			"directived.directive.retries_total",
			metric.WithDescription("Handler retries performed by directives"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		directiveTimeoutCount, metricsInitErr = meter.Int64Counter(
			"directived.directive.timeout_total",
			metric.WithDescription("Directives pending when the pipeline deadline passed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		directiveLatencyMillis, metricsInitErr = meter.Float64Histogram(
			"directived.directive.duration_ms",
			metric.WithDescription("Observed directive execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
