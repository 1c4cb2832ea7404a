// Package tracing sets up the OpenTelemetry trace provider for hosts
// embedding the resilience layer. Without it the circuit breaker's spans
// go to the global no-op provider; a host that wants them exported starts
// a Provider in its composition root.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// ExporterType defines the type of trace exporter.
type ExporterType string

const (
	// ExporterOTLPGRPC exports traces via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports traces via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
	// ExporterNone disables trace export; spans stay no-op.
	ExporterNone ExporterType = "none"
)

// Config holds configuration for the tracing provider.
type Config struct {
	// ServiceName is the name of the service.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment.
	Environment string

	// ExporterType is the type of exporter to use.
	ExporterType ExporterType

	// Endpoint is the OTLP collector endpoint.
	Endpoint string

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// SampleRate is the sampling rate (0.0 to 1.0).
	SampleRate float64

	// BatchTimeout is the maximum time to wait before exporting a batch.
	BatchTimeout time.Duration
}

// DefaultConfig returns a Config with default values. Export is off by
// default: the resilience layer must not require a collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "guardrail",
		ServiceVersion: "dev",
		Environment:    "development",
		ExporterType:   ExporterNone,
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages the OpenTelemetry trace provider.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	logger         *zap.Logger
}

// NewProvider creates a tracing provider.
func NewProvider(config *Config, logger *zap.Logger) *Provider {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		config: config,
		logger: logger,
	}
}

// Start builds the exporter and installs the provider as the global
// tracer provider, making the breaker's spans real. With ExporterNone it
// is a no-op.
func (p *Provider) Start(ctx context.Context) error {
	if p.config.ExporterType == ExporterNone {
		p.logger.Debug("trace export disabled")
		return nil
	}

	res, err := p.buildResource(ctx)
	if err != nil {
		return fmt.Errorf("failed to build tracing resource: %w", err)
	}

	exporter, err := p.buildExporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to build trace exporter: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(p.config.BatchTimeout),
	)

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithSampler(p.buildSampler()),
	)

	otel.SetTracerProvider(p.tracerProvider)

	p.logger.Info("tracing provider started",
		zap.String("service", p.config.ServiceName),
		zap.String("exporter", string(p.config.ExporterType)),
		zap.String("endpoint", p.config.Endpoint),
		zap.Float64("sample_rate", p.config.SampleRate),
	)

	return nil
}

// Stop flushes and shuts down the provider. Safe to call when Start was
// never called or export is disabled.
func (p *Provider) Stop(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}

	p.logger.Info("stopping tracing provider")
	return p.tracerProvider.Shutdown(ctx)
}

// buildResource describes this process in exported spans.
func (p *Provider) buildResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(p.config.ServiceName),
			semconv.ServiceVersion(p.config.ServiceVersion),
			semconv.DeploymentEnvironment(p.config.Environment),
			attribute.String("library", "guardrail"),
		),
		resource.WithTelemetrySDK(),
	)
}

// buildExporter creates the configured OTLP exporter.
func (p *Provider) buildExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	switch p.config.ExporterType {
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(p.config.Endpoint)}
		if p.config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.Endpoint)}
		if p.config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// buildSampler maps the configured rate to a sampler.
func (p *Provider) buildSampler() sdktrace.Sampler {
	switch {
	case p.config.SampleRate <= 0:
		return sdktrace.NeverSample()
	case p.config.SampleRate >= 1.0:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}
}
