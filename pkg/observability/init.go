// Package observability wires OpenTelemetry tracing for sync cycles and the
// host HTTP surface. Logging lives in pkg/logger and Prometheus metrics in
// pkg/metrics.
package observability

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
)

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(ctx context.Context) error

type setupOptions struct {
	writer   io.Writer
	exporter sdktrace.SpanExporter
}

// Option customizes Setup
type Option func(*setupOptions)

// WithWriter sends stdout-exported spans to w instead of os.Stdout
func WithWriter(w io.Writer) Option {
	return func(o *setupOptions) { o.writer = w }
}

// WithExporter replaces the stdout exporter
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *setupOptions) { o.exporter = exp }
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// Setup installs a global tracer provider. With tracing disabled the global
// no-op provider is left in place and the returned shutdown does nothing.
func Setup(cfg config.TracingConfig, serviceName, version string, opts ...Option) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	o := setupOptions{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return noop, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create trace resource")
	}

	exporter := o.exporter
	if exporter == nil {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.writer))
		if err != nil {
			return noop, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create stdout exporter")
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SampleRate))),
	)

	providerMu.Lock()
	provider = tp
	providerMu.Unlock()

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Get().Info("tracing enabled",
		zap.String("service", serviceName),
		zap.Float64("sample_rate", cfg.SampleRate))

	return func(ctx context.Context) error {
		providerMu.Lock()
		defer providerMu.Unlock()
		if provider == tp {
			provider = nil
		}
		return tp.Shutdown(ctx)
	}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// ForceFlush exports any buffered spans of the installed provider
func ForceFlush(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.ForceFlush(ctx)
}
