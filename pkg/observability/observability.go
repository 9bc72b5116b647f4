// Package observability wires OpenTelemetry tracing and metrics for the
// gateway. Telemetry is off by default; when disabled every record method
// is a no-op so call sites never guard.
package observability

import (
	"context"
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

const instrumentationName = "oars.gateway"

// Config configures the OTLP export pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the disabled-by-default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "oars-gateway",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers plus the gateway's counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	actionCounter   metric.Int64Counter
	receiptCounter  metric.Int64Counter
	siemCounter     metric.Int64Counter
	jobCounter      metric.Int64Counter
	escalationCount metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// New builds the provider. With Enabled=false no exporter is created and
// the returned provider records nothing.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initCounters(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initCounters() error {
	var err error
	p.actionCounter, err = p.meter.Int64Counter("oars.actions.total",
		metric.WithDescription("Actions reaching a pipeline state"),
		metric.WithUnit("{action}"))
	if err != nil {
		return err
	}
	p.receiptCounter, err = p.meter.Int64Counter("oars.receipts.signed.total",
		metric.WithDescription("Receipts signed and appended to the ledger"),
		metric.WithUnit("{receipt}"))
	if err != nil {
		return err
	}
	p.siemCounter, err = p.meter.Int64Counter("oars.siem.deliveries.total",
		metric.WithDescription("SIEM delivery attempts by target and outcome"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return err
	}
	p.jobCounter, err = p.meter.Int64Counter("oars.backplane.jobs.total",
		metric.WithDescription("Backplane job transitions by status"),
		metric.WithUnit("{job}"))
	if err != nil {
		return err
	}
	p.escalationCount, err = p.meter.Int64Counter("oars.approvals.escalations.total",
		metric.WithDescription("Approval stages escalated past their SLA"),
		metric.WithUnit("{stage}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("oars.operation.duration",
		metric.WithDescription("Core operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0))
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan opens a span on the gateway tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordAction counts an action reaching a state.
func (p *Provider) RecordAction(ctx context.Context, state string) {
	if p.actionCounter != nil {
		p.actionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	}
}

// RecordReceipt counts a signed receipt of the given type.
func (p *Provider) RecordReceipt(ctx context.Context, receiptType string) {
	if p.receiptCounter != nil {
		p.receiptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", receiptType)))
	}
}

// RecordSiemDelivery counts one delivery attempt per target.
func (p *Provider) RecordSiemDelivery(ctx context.Context, targetID string, succeeded bool) {
	if p.siemCounter != nil {
		outcome := "failure"
		if succeeded {
			outcome = "success"
		}
		p.siemCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("target", targetID),
			attribute.String("outcome", outcome)))
	}
}

// RecordJob counts a backplane job transition.
func (p *Provider) RecordJob(ctx context.Context, status string) {
	if p.jobCounter != nil {
		p.jobCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordEscalation counts an SLA escalation.
func (p *Provider) RecordEscalation(ctx context.Context) {
	if p.escalationCount != nil {
		p.escalationCount.Add(ctx, 1)
	}
}

// TrackOperation opens a span and returns a completion callback that
// records duration and any error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
