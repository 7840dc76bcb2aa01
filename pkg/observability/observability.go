// Package observability wires OpenTelemetry tracing and metrics and builds
// the service logger.
//
// New installs global trace and meter providers exporting over OTLP gRPC.
// Packages instrument through the global otel API, so nothing is exported
// until New has run; a disabled Provider leaves the no-op globals in place.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	scopeName = "github.com/Mindburn-Labs/auditchain"

	defaultBatchTimeout   = 5 * time.Second
	defaultMetricInterval = 15 * time.Second
)

// latencyBuckets are seconds; ledger appends sit in the low milliseconds and
// zip exports of long chains reach seconds.
var latencyBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the host:port of the collector's gRPC receiver.
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	// Insecure selects plaintext gRPC.
	Insecure       bool
}

// DefaultConfig targets a plaintext collector on localhost with telemetry
// switched off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "auditchain",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   defaultBatchTimeout,
		MetricInterval: defaultMetricInterval,
		Insecure:       true,
	}
}

// Provider owns the SDK providers and the per-operation instruments.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	tracer trace.Tracer
	ops    *opInstruments
}

// opInstruments are the rate, error and duration instruments recorded by
// TrackOperation.
type opInstruments struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newOpInstruments(m metric.Meter) (*opInstruments, error) {
	var ops opInstruments
	var errs [4]error
	ops.calls, errs[0] = m.Int64Counter("auditchain.operation.calls",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{call}"))
	ops.failures, errs[1] = m.Int64Counter("auditchain.operation.failures",
		metric.WithDescription("Operations that ended in error"),
		metric.WithUnit("{call}"))
	ops.latency, errs[2] = m.Float64Histogram("auditchain.operation.duration",
		metric.WithDescription("Operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	ops.inflight, errs[3] = m.Int64UpDownCounter("auditchain.operation.inflight",
		metric.WithDescription("Operations in progress"),
		metric.WithUnit("{call}"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &ops, nil
}

// New creates a Provider. A nil config or Enabled false installs nothing and
// TrackOperation only starts spans on the global no-op tracer.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		cfg:    *cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if p.tracerProvider, err = newTracerProvider(ctx, p.cfg, res); err != nil {
		return nil, err
	}
	if p.meterProvider, err = newMeterProvider(ctx, p.cfg, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tracerProvider.Tracer(scopeName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	meter := p.meterProvider.Meter(scopeName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.ops, err = newOpInstruments(meter); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry enabled",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the service tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Meter returns the service meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meterProvider == nil {
		return otel.Meter(scopeName)
	}
	return p.meterProvider.Meter(scopeName)
}

// TrackOperation starts a server span for one operation and counts it. The
// returned func ends the span and records latency; pass the operation's
// error, or nil. Call it exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p.ops != nil {
		p.ops.calls.Add(ctx, 1, set)
		p.ops.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		SetSpanStatus(ctx, err)
		if p.ops == nil {
			return
		}
		p.ops.inflight.Add(ctx, -1, set)
		p.ops.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			failed := append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
			p.ops.failures.Add(ctx, 1, metric.WithAttributes(failed...))
		}
	}
}
