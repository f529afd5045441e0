// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and holds the scheduler's instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "chat-with-ai"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init configures the global tracer and meter providers. An empty endpoint
// leaves the no-op providers in place.
func Init(ctx context.Context, endpoint, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// ObserveGauge registers an observable gauge read from fn at collection time.
func ObserveGauge(scope, name, description string, fn func() int64) {
	_, _ = Meter(scope).Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
}

// Instruments are the counters recorded by the scheduler and dispatcher.
type Instruments struct {
	decisions      metric.Int64Counter
	fragments      metric.Int64Counter
	turns          metric.Int64Counter
	lockContention metric.Int64Counter
	jobs           metric.Int64Counter
	jobDuration    metric.Float64Histogram
}

// NewInstruments creates the instruments on the current global meter
// provider. Instrument errors leave a no-op instrument in place.
func NewInstruments() *Instruments {
	meter := Meter("chatwithai/scheduler")
	in := &Instruments{}
	in.decisions, _ = meter.Int64Counter("chatwithai.decisions", metric.WithDescription("Decisions by action"))
	in.fragments, _ = meter.Int64Counter("chatwithai.fragments_sent", metric.WithDescription("Fragments persisted and broadcast"))
	in.turns, _ = meter.Int64Counter("chatwithai.turns", metric.WithDescription("Finalized turns by outcome"))
	in.lockContention, _ = meter.Int64Counter("chatwithai.lock_contention", metric.WithDescription("Cycles skipped because the conversation lock was held"))
	in.jobs, _ = meter.Int64Counter("chatwithai.jobs", metric.WithDescription("Queue jobs by type and outcome"))
	in.jobDuration, _ = meter.Float64Histogram("chatwithai.job.duration", metric.WithDescription("Queue job duration"), metric.WithUnit("s"))
	return in
}

func (in *Instruments) Decision(ctx context.Context, action string) {
	if in == nil || in.decisions == nil {
		return
	}
	in.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (in *Instruments) FragmentSent(ctx context.Context) {
	if in == nil || in.fragments == nil {
		return
	}
	in.fragments.Add(ctx, 1)
}

func (in *Instruments) Turn(ctx context.Context, outcome string) {
	if in == nil || in.turns == nil {
		return
	}
	in.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (in *Instruments) LockContention(ctx context.Context) {
	if in == nil || in.lockContention == nil {
		return
	}
	in.lockContention.Add(ctx, 1)
}

func (in *Instruments) Job(ctx context.Context, jobType, outcome string, took time.Duration) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", jobType), attribute.String("outcome", outcome))
	if in.jobs != nil {
		in.jobs.Add(ctx, 1, attrs)
	}
	if in.jobDuration != nil {
		in.jobDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("type", jobType)))
	}
}
